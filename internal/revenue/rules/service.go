package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/revrec/internal/platform/cache"
)

// RepositoryPort abstracts rule persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, in CreateRuleInput) (Rule, error)
	List(ctx context.Context) ([]Rule, error)
}

// Service maintains and evaluates identification rules.
type Service struct {
	repo   RepositoryPort
	cache  *cache.Versioned
	logger *slog.Logger
}

// NewService constructs the rule service. The cache may be nil.
func NewService(repo RepositoryPort, c *cache.Versioned, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: c, logger: logger}
}

// CreateRule validates and stores a rule.
func (s *Service) CreateRule(ctx context.Context, in CreateRuleInput) (Rule, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Value = strings.TrimSpace(in.Value)
	in.POBName = strings.TrimSpace(in.POBName)
	in.Attribute = Attribute(strings.ToLower(strings.TrimSpace(string(in.Attribute))))
	if err := in.Validate(); err != nil {
		return Rule{}, err
	}
	rule, err := s.repo.Insert(ctx, in)
	if err != nil {
		return Rule{}, fmt.Errorf("rules: create: %w", err)
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("rules cache bump", slog.Any("error", err))
	}
	return rule, nil
}

// ListRules returns every rule in evaluation order.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	key, err := s.cache.BuildKey(ctx, "all")
	if err != nil {
		s.logger.Warn("rules cache key", slog.Any("error", err))
		return s.repo.List(ctx)
	}
	var out []Rule
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return s.repo.List(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	return out, nil
}

// Match evaluates the rule set against attrs. The bool is false when no rule matched and the caller
// should apply its defaults.
func (s *Service) Match(ctx context.Context, attrs Attributes) (Outcome, bool, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return Outcome{}, false, err
	}
	rule, ok := MatchRule(all, attrs)
	if !ok {
		return Outcome{}, false, nil
	}
	return Outcome{
		RuleID:             rule.ID,
		POBName:            rule.POBName,
		SatisfactionMethod: rule.SatisfactionMethod,
		DurationMonths:     rule.DurationMonths,
	}, true, nil
}
