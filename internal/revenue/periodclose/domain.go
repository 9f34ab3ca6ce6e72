// Package periodclose maintains revenue periods and runs the period close sweep that reconciles
// recognized revenue against invoiced amounts.
package periodclose

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// Options tunes the sweep.
type Options struct {
	// AutoPost posts Pending rows dated inside an Open period before reconciling.
	AutoPost bool
	// ClosePeriod moves an Open period to Closed once the sweep succeeds.
	ClosePeriod bool
}

// CreatePeriodInput captures a new revenue period.
type CreatePeriodInput struct {
	LedgerID   int64     `json:"ledger_id" validate:"required,gt=0"`
	PeriodName string    `json:"period_name" validate:"max=20"`
	StartDate  time.Time `json:"start_date" validate:"required"`
	EndDate    time.Time `json:"end_date" validate:"required"`
}

// UnbilledDetail is the reconciliation line of one contract.
type UnbilledDetail struct {
	ContractID     int64           `json:"contract_id"`
	ContractNumber string          `json:"contract_number"`
	Recognized     decimal.Decimal `json:"recognized"`
	Invoiced       decimal.Decimal `json:"invoiced"`
	Unbilled       decimal.Decimal `json:"unbilled"`
}

// Totals aggregates a sweep. ContractAssets sums positive unbilled lines, ContractLiabilities the
// magnitude of negative ones.
type Totals struct {
	Recognized          decimal.Decimal `json:"recognized"`
	Invoiced            decimal.Decimal `json:"invoiced"`
	Unbilled            decimal.Decimal `json:"unbilled"`
	ContractAssets      decimal.Decimal `json:"contract_assets"`
	ContractLiabilities decimal.Decimal `json:"contract_liabilities"`
}

// Report is the result of a sweep.
type Report struct {
	PeriodID        int64                  `json:"period_id"`
	LedgerID        int64                  `json:"ledger_id"`
	PeriodName      string                 `json:"period_name"`
	StartDate       time.Time              `json:"start_date"`
	EndDate         time.Time              `json:"end_date"`
	Status          contracts.PeriodStatus `json:"status"`
	ReadOnly        bool                   `json:"read_only"`
	PostedRows      int64                  `json:"posted_rows"`
	UnbilledDetails []UnbilledDetail       `json:"unbilled_details"`
	Totals          Totals                 `json:"totals"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

var (
	// ErrPeriodOverlap rejects a period overlapping another period of the ledger.
	ErrPeriodOverlap = fmt.Errorf("periodclose: period overlaps an existing period: %w", shared.ErrConflict)
	// ErrInvalidRange rejects a period ending before it starts.
	ErrInvalidRange = fmt.Errorf("periodclose: end date before start date: %w", shared.ErrValidation)
	// ErrInvalidTransition rejects a status change the period lifecycle does not allow.
	ErrInvalidTransition = fmt.Errorf("periodclose: %v: %w", shared.ErrInvalidPeriodTransition, shared.ErrValidation)
	// ErrSweepInProgress indicates another sweep holds the period lock.
	ErrSweepInProgress = fmt.Errorf("periodclose: sweep already running: %w", shared.ErrConflict)
)

func buildDetails(rows []contracts.ReconciliationRow) ([]UnbilledDetail, Totals) {
	totals := Totals{
		Recognized:          decimal.Zero,
		Invoiced:            decimal.Zero,
		Unbilled:            decimal.Zero,
		ContractAssets:      decimal.Zero,
		ContractLiabilities: decimal.Zero,
	}
	details := make([]UnbilledDetail, 0, len(rows))
	for _, row := range rows {
		unbilled := row.Recognized.Sub(row.Invoiced)
		details = append(details, UnbilledDetail{
			ContractID:     row.ContractID,
			ContractNumber: row.ContractNumber,
			Recognized:     row.Recognized,
			Invoiced:       row.Invoiced,
			Unbilled:       unbilled,
		})
		totals.Recognized = totals.Recognized.Add(row.Recognized)
		totals.Invoiced = totals.Invoiced.Add(row.Invoiced)
		totals.Unbilled = totals.Unbilled.Add(unbilled)
		if unbilled.IsPositive() {
			totals.ContractAssets = totals.ContractAssets.Add(unbilled)
		} else {
			totals.ContractLiabilities = totals.ContractLiabilities.Add(unbilled.Neg())
		}
	}
	return details, totals
}
