// Package contracts is the entity model of the revenue engine: contracts, performance obligations,
// recognition schedules, version snapshots, source events and revenue periods.
package contracts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/shared"
)

// ContractStatus enumerates contract lifecycle values.
type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "ACTIVE"
	ContractStatusClosed    ContractStatus = "CLOSED"
	ContractStatusCancelled ContractStatus = "CANCELLED"
)

// SatisfactionMethod describes how an obligation is satisfied.
type SatisfactionMethod string

const (
	SatisfactionRatable     SatisfactionMethod = "RATABLE"
	SatisfactionPointInTime SatisfactionMethod = "POINT_IN_TIME"
)

// Valid reports whether m is a known method.
func (m SatisfactionMethod) Valid() bool {
	return m == SatisfactionRatable || m == SatisfactionPointInTime
}

// ObligationStatus enumerates POB states.
type ObligationStatus string

const (
	ObligationStatusOpen      ObligationStatus = "OPEN"
	ObligationStatusSatisfied ObligationStatus = "SATISFIED"
)

// EventType enumerates inbound commercial events.
type EventType string

const (
	EventTypeBooking           EventType = "BOOKING"
	EventTypeOrder             EventType = "ORDER"
	EventTypeSubscriptionStart EventType = "SUBSCRIPTION_START"
	EventTypeInvoice           EventType = "INVOICE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeBooking, EventTypeOrder, EventTypeSubscriptionStart, EventTypeInvoice:
		return true
	}
	return false
}

// TriggersSchedule reports whether the event is a satisfaction-triggering commitment.
func (t EventType) TriggersSchedule() bool {
	return t == EventTypeBooking || t == EventTypeOrder || t == EventTypeSubscriptionStart
}

// IsBilling reports whether the event only records billing against a contract.
func (t EventType) IsBilling() bool {
	return t == EventTypeInvoice
}

// ProcessingStatus enumerates source event processing states.
type ProcessingStatus string

const (
	ProcessingStatusProcessing ProcessingStatus = "PROCESSING"
	ProcessingStatusProcessed  ProcessingStatus = "PROCESSED"
	ProcessingStatusFailed     ProcessingStatus = "FAILED"
)

// AccountType classifies schedule rows for the GL-posting collaborator.
type AccountType string

const (
	AccountTypeRevenue         AccountType = "REVENUE"
	AccountTypeDeferredRevenue AccountType = "DEFERRED_REVENUE"
	AccountTypeContractAsset   AccountType = "CONTRACT_ASSET"
)

// RecognitionStatus enumerates schedule row states.
type RecognitionStatus string

const (
	RecognitionStatusPending RecognitionStatus = "PENDING"
	RecognitionStatusPosted  RecognitionStatus = "POSTED"
)

// RecognitionEventType distinguishes scheduled installments from catch-up adjustments.
type RecognitionEventType string

const (
	RecognitionEventSchedule RecognitionEventType = "SCHEDULE"
	RecognitionEventCatchup  RecognitionEventType = "CATCHUP"
)

// PeriodStatus enumerates revenue period states.
type PeriodStatus string

const (
	PeriodStatusOpen              PeriodStatus = shared.PeriodStatusOpen
	PeriodStatusClosed            PeriodStatus = shared.PeriodStatusClosed
	PeriodStatusPermanentlyClosed PeriodStatus = shared.PeriodStatusPermanentlyClosed
)

// Contract is a revenue contract grouping obligations for one customer and ledger.
type Contract struct {
	ID                    int64           `json:"id"`
	ContractNumber        string          `json:"contract_number"`
	CustomerID            string          `json:"customer_id"`
	LedgerID              int64           `json:"ledger_id"`
	LegalEntityID         *int64          `json:"legal_entity_id,omitempty"`
	OrgID                 *int64          `json:"org_id,omitempty"`
	Currency              string          `json:"currency"`
	Status                ContractStatus  `json:"status"`
	TotalTransactionPrice decimal.Decimal `json:"total_transaction_price"`
	TotalAllocatedPrice   decimal.Decimal `json:"total_allocated_price"`
	VersionNumber         int             `json:"version_number"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Obligation is a performance obligation owned by a contract.
type Obligation struct {
	ID                 int64              `json:"id"`
	ContractID         int64              `json:"contract_id"`
	Name               string             `json:"name"`
	ItemID             string             `json:"item_id,omitempty"`
	ItemType           string             `json:"item_type,omitempty"`
	TransactionPrice   decimal.Decimal    `json:"transaction_price"`
	SSPPrice           decimal.Decimal    `json:"ssp_price"`
	AllocatedPrice     decimal.Decimal    `json:"allocated_price"`
	SatisfactionMethod SatisfactionMethod `json:"satisfaction_method"`
	StartDate          time.Time          `json:"start_date"`
	EndDate            time.Time          `json:"end_date"`
	Status             ObligationStatus   `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
}

// SourceEvent is the immutable audit record of an inbound commercial event.
type SourceEvent struct {
	ID               int64            `json:"id"`
	SourceSystem     string           `json:"source_system"`
	SourceID         string           `json:"source_id"`
	EventType        EventType        `json:"event_type"`
	CustomerID       string           `json:"customer_id"`
	LedgerID         int64            `json:"ledger_id"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	EventDate        time.Time        `json:"event_date"`
	ItemID           string           `json:"item_id,omitempty"`
	ContractID       *int64           `json:"contract_id,omitempty"`
	ReferenceNumber  string           `json:"reference_number,omitempty"`
	LegalEntityID    *int64           `json:"legal_entity_id,omitempty"`
	OrgID            *int64           `json:"org_id,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
}

// Recognition is one schedule row.
type Recognition struct {
	ID           int64                `json:"id"`
	ContractID   int64                `json:"contract_id"`
	ObligationID int64                `json:"pob_id"`
	PeriodName   string               `json:"period_name"`
	ScheduleDate time.Time            `json:"schedule_date"`
	Amount       decimal.Decimal      `json:"amount"`
	AccountType  AccountType          `json:"account_type"`
	Status       RecognitionStatus    `json:"status"`
	EventType    RecognitionEventType `json:"event_type"`
	CreatedAt    time.Time            `json:"created_at"`
	PostedAt     *time.Time           `json:"posted_at,omitempty"`
}

// Version is a snapshot of a contract taken before its transaction price changed.
type Version struct {
	ID                    int64           `json:"id"`
	ContractID            int64           `json:"contract_id"`
	VersionNumber         int             `json:"version_number"`
	TotalTransactionPrice decimal.Decimal `json:"total_transaction_price"`
	TotalAllocatedPrice   decimal.Decimal `json:"total_allocated_price"`
	ChangeReason          string          `json:"change_reason"`
	SnapshotAt            time.Time       `json:"snapshot_at"`
}

// Period is a revenue period of a ledger.
type Period struct {
	ID         int64        `json:"id"`
	LedgerID   int64        `json:"ledger_id"`
	PeriodName string       `json:"period_name"`
	StartDate  time.Time    `json:"start_date"`
	EndDate    time.Time    `json:"end_date"`
	Status     PeriodStatus `json:"status"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Contains reports whether date falls inside the period, inclusive on both ends by calendar day.
func (p Period) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(truncateDay(p.StartDate)) && !d.After(truncateDay(p.EndDate))
}

// ReconciliationRow is the per-contract recognized vs invoiced position at a cut-off date.
type ReconciliationRow struct {
	ContractID     int64           `json:"contract_id"`
	ContractNumber string          `json:"contract_number"`
	Recognized     decimal.Decimal `json:"recognized"`
	Invoiced       decimal.Decimal `json:"invoiced"`
}

// MonthlyAmount is an aggregated amount for a calendar month.
type MonthlyAmount struct {
	Month  time.Time       `json:"month"`
	Amount decimal.Decimal `json:"amount"`
}

// ActivityWindow scopes reconciliation queries.
type ActivityWindow struct {
	LedgerID int64
	From     time.Time
	To       time.Time
}

// MonthlyFilter scopes forecast history.
type MonthlyFilter struct {
	ContractID *int64
	LedgerID   *int64
	From       time.Time
	To         time.Time
}

// PeriodFilter scopes period listings. EndingBefore keeps periods whose end date is before it.
type PeriodFilter struct {
	LedgerID     *int64
	Status       PeriodStatus
	EndingBefore *time.Time
}

// ContractFilter scopes contract listings. Limit defaults to 100.
type ContractFilter struct {
	CustomerID string
	LedgerID   *int64
	Status     ContractStatus
	Limit      int
}

// PeriodName formats the display name of the month containing t, e.g. "Jan-26".
func PeriodName(t time.Time) string {
	return t.Format("Jan-06")
}

// AddMonths steps t by n calendar months. Days past the end of the target month clamp to its last day,
// so Jan 31 + 1 month is Feb 28 (or 29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

var (
	// ErrContractNotFound indicates a missing contract.
	ErrContractNotFound = fmt.Errorf("contracts: contract %w", shared.ErrNotFound)
	// ErrEventNotFound indicates a missing source event.
	ErrEventNotFound = fmt.Errorf("contracts: source event %w", shared.ErrNotFound)
	// ErrPeriodNotFound indicates a missing revenue period.
	ErrPeriodNotFound = fmt.Errorf("contracts: period %w", shared.ErrNotFound)
	// ErrVersionConflict indicates the contract changed since it was read.
	ErrVersionConflict = fmt.Errorf("contracts: contract version changed concurrently: %w", shared.ErrConflict)
	// ErrDuplicateEvent indicates a source event with the same identity already exists.
	ErrDuplicateEvent = fmt.Errorf("contracts: duplicate source event: %w", shared.ErrConflict)
	// ErrDuplicateVersion indicates a version snapshot number was reused.
	ErrDuplicateVersion = fmt.Errorf("contracts: duplicate version snapshot: %w", shared.ErrInvariant)
)
