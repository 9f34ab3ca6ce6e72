package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/revrec/internal/platform/cache"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/money"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// MaxProjectionMonths bounds monthsToProject.
const MaxProjectionMonths = 60

// Query selects the history a forecast is fitted on. Both scopes are optional. Projected amounts are
// rounded to the minor unit of Currency, or of the contract's currency when only ContractID is given.
type Query struct {
	Months     int
	ContractID *int64
	LedgerID   *int64
	Currency   string
}

// ErrInvalidHorizon rejects a projection length outside 0..MaxProjectionMonths.
var ErrInvalidHorizon = fmt.Errorf("forecast: months to project out of range: %w", shared.ErrValidation)

// ErrInvalidCurrency rejects a Currency that is not an ISO 4217 code.
var ErrInvalidCurrency = fmt.Errorf("forecast: unknown currency: %w", shared.ErrValidation)

// Service builds revenue forecasts from Posted recognition history.
type Service struct {
	store  contracts.Store
	cache  *cache.Versioned
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the forecasting service. The cache may be nil.
func NewService(store contracts.Store, c *cache.Versioned, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: c, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GenerateForecast fits a trend on the trailing HistoryMonths calendar months, current month included,
// and projects q.Months months past the window. Only months with posted revenue are used as samples.
func (s *Service) GenerateForecast(ctx context.Context, q Query) (Forecast, error) {
	if q.Months < 0 || q.Months > MaxProjectionMonths {
		return Forecast{}, ErrInvalidHorizon
	}
	q.Currency = strings.ToUpper(strings.TrimSpace(q.Currency))
	if q.Currency != "" && !money.Valid(q.Currency) {
		return Forecast{}, ErrInvalidCurrency
	}
	now := s.now().UTC()
	key, err := s.cache.BuildKey(ctx, cacheParts(q, now)...)
	if err != nil {
		s.logger.Warn("forecast cache key", slog.Any("error", err))
		return s.build(ctx, q, now)
	}
	val, err, _ := s.group.Do(key, func() (any, error) {
		var out Forecast
		err := s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return s.build(ctx, q, now)
		})
		return out, err
	})
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast: generate: %w", err)
	}
	return val.(Forecast), nil
}

// WarmLedger populates the cached ledger-wide forecast.
func (s *Service) WarmLedger(ctx context.Context, ledgerID int64, months int) error {
	_, err := s.GenerateForecast(ctx, Query{Months: months, LedgerID: &ledgerID})
	return err
}

// Invalidate drops every cached forecast.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

func (s *Service) build(ctx context.Context, q Query, now time.Time) (Forecast, error) {
	end := monthStart(now)
	start := end.AddDate(0, -(HistoryMonths - 1), 0)
	filter := contracts.MonthlyFilter{
		ContractID: q.ContractID,
		LedgerID:   q.LedgerID,
		From:       start,
		To:         end.AddDate(0, 1, -1),
	}
	var rows []contracts.MonthlyAmount
	currency := q.Currency
	err := s.store.WithTx(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if currency == "" && q.ContractID != nil {
			c, err := tx.GetContract(ctx, *q.ContractID)
			if err != nil {
				return err
			}
			currency = c.Currency
		}
		var err error
		rows, err = tx.MonthlyPostedRevenue(ctx, filter)
		return err
	})
	if err != nil {
		return Forecast{}, err
	}

	out := Forecast{History: make([]Point, 0, len(rows)), Forecast: []Point{}, GeneratedAt: now}
	samples := make([]Sample, 0, len(rows))
	for _, row := range rows {
		month := monthStart(row.Month)
		out.History = append(out.History, Point{Month: month, PeriodName: contracts.PeriodName(month), Amount: row.Amount})
		samples = append(samples, Sample{X: monthsBetween(start, month), Y: row.Amount})
	}
	model, ok := Fit(samples)
	out.Model = model
	if !ok {
		s.logger.Debug("forecast skipped, not enough history", slog.Int("points", len(samples)))
		return out, nil
	}
	scale := money.Scale(currency)
	for i := 1; i <= q.Months; i++ {
		x := HistoryMonths - 1 + i
		month := start.AddDate(0, x, 0)
		out.Forecast = append(out.Forecast, Point{Month: month, PeriodName: contracts.PeriodName(month), Amount: model.At(x, scale)})
	}
	return out, nil
}

func cacheParts(q Query, now time.Time) []string {
	parts := []string{"m" + strconv.Itoa(q.Months), monthStart(now).Format("2006-01")}
	if q.LedgerID != nil {
		parts = append(parts, "l"+strconv.FormatInt(*q.LedgerID, 10))
	}
	if q.ContractID != nil {
		parts = append(parts, "c"+strconv.FormatInt(*q.ContractID, 10))
	}
	if q.Currency != "" {
		parts = append(parts, q.Currency)
	}
	return parts
}
