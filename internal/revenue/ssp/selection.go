package ssp

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SelectLine picks the most specific candidate for an item: only active books effective at asOf
// are considered, tiers above the requested quantity (default 1) are skipped, then the highest tier wins,
// then the most recently effective book, then the newest line.
func SelectLine(candidates []Candidate, quantity decimal.Decimal, asOf time.Time) (Candidate, bool) {
	if !quantity.IsPositive() {
		quantity = decimal.NewFromInt(1)
	}
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Book.Status != BookStatusActive {
			continue
		}
		if !asOf.IsZero() && c.Book.EffectiveFrom.After(asOf) {
			continue
		}
		if c.Line.MinQuantity.GreaterThan(quantity) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if cmp := a.Line.MinQuantity.Cmp(b.Line.MinQuantity); cmp != 0 {
			return cmp > 0
		}
		if !a.Book.EffectiveFrom.Equal(b.Book.EffectiveFrom) {
			return a.Book.EffectiveFrom.After(b.Book.EffectiveFrom)
		}
		return a.Line.ID > b.Line.ID
	})
	return eligible[0], true
}
