package contracts

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store runs units of work against the contract store. Every call to WithTx is atomic:
// when fn returns an error nothing it wrote is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	// WithLockingTx is WithTx for units of work that start by waiting on a row lock. Each statement
	// reads what was committed before it began, so rows written by the lock holder are visible once
	// the lock is granted.
	WithLockingTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Tx exposes the operations available inside a unit of work.
type Tx interface {
	InsertSourceEvent(ctx context.Context, evt SourceEvent) (SourceEvent, error)
	FindSourceEvent(ctx context.Context, sourceSystem, sourceID string, eventType EventType) (SourceEvent, error)
	LockSourceEvent(ctx context.Context, id int64) (SourceEvent, error)
	UpdateSourceEventStatus(ctx context.Context, id int64, status ProcessingStatus, contractID *int64, errMsg string, at time.Time) error

	InsertContract(ctx context.Context, c Contract) (Contract, error)
	GetContract(ctx context.Context, id int64) (Contract, error)
	// LockContract loads a contract and holds a row lock until the unit of work ends.
	LockContract(ctx context.Context, id int64) (Contract, error)
	// AddTransactionPrice atomically increments the transaction price and returns the updated row.
	AddTransactionPrice(ctx context.Context, id int64, delta decimal.Decimal) (Contract, error)
	SetAllocatedTotal(ctx context.Context, id int64, total decimal.Decimal) error
	// ReplaceTransactionPrice sets a new price and increments the version only when the stored
	// version still equals expectedVersion; otherwise it returns ErrVersionConflict.
	ReplaceTransactionPrice(ctx context.Context, id int64, newTotal decimal.Decimal, expectedVersion int) (Contract, error)

	ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error)
	// ListLedgerIDs returns the distinct ledgers that carry at least one contract.
	ListLedgerIDs(ctx context.Context) ([]int64, error)

	InsertObligation(ctx context.Context, o Obligation) (Obligation, error)
	ListObligations(ctx context.Context, contractID int64) ([]Obligation, error)
	UpdateAllocatedPrice(ctx context.Context, obligationID int64, amount decimal.Decimal) error

	InsertRecognitions(ctx context.Context, rows []Recognition) ([]Recognition, error)
	ListRecognitions(ctx context.Context, contractID int64) ([]Recognition, error)
	// SumRecognizedToDate totals Pending and Posted rows dated on or before asOf.
	SumRecognizedToDate(ctx context.Context, contractID int64, asOf time.Time) (decimal.Decimal, error)
	// PostPendingRecognitions transitions Pending rows of the ledger dated within [from, to] to Posted.
	PostPendingRecognitions(ctx context.Context, ledgerID int64, from, to, at time.Time) (int64, error)

	InsertVersion(ctx context.Context, v Version) error
	ListVersions(ctx context.Context, contractID int64) ([]Version, error)

	InsertPeriod(ctx context.Context, p Period) (Period, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)
	LockPeriod(ctx context.Context, id int64) (Period, error)
	ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error)
	// FindPeriodByDate returns the period of the ledger containing date and holds a share lock on it, so a
	// concurrent sweep cannot close the period underneath the caller. The sweep takes its exclusive lock
	// inside WithLockingTx so it also sees the rows the caller committed.
	FindPeriodByDate(ctx context.Context, ledgerID int64, date time.Time) (Period, error)
	PeriodRangeConflict(ctx context.Context, ledgerID int64, from, to time.Time) (bool, error)
	UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, at time.Time) error

	// Reconciliation returns, for each contract of the ledger with activity in the window, the Posted
	// Revenue recognized and the Processed invoices billed on or before window.To.
	Reconciliation(ctx context.Context, window ActivityWindow) ([]ReconciliationRow, error)
	// MonthlyPostedRevenue aggregates Posted Revenue rows by calendar month.
	MonthlyPostedRevenue(ctx context.Context, filter MonthlyFilter) ([]MonthlyAmount, error)
}
