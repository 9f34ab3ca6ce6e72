package rules

import (
	"sort"
	"strings"
)

// MatchRule returns the first active rule whose attribute equals the event's value. Rules are evaluated
// by ascending priority, ties broken by ascending id. Values compare case-insensitively after trimming.
func MatchRule(rules []Rule, attrs Attributes) (Rule, bool) {
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, r := range ordered {
		got, ok := attrs[r.Attribute]
		if !ok {
			continue
		}
		got = strings.TrimSpace(got)
		if got != "" && strings.EqualFold(got, strings.TrimSpace(r.Value)) {
			return r, true
		}
	}
	return Rule{}, false
}
