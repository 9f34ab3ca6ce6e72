// Package recognition runs inbound commercial events through the five-step revenue pipeline:
// identify the contract, identify the obligation, update the transaction price, allocate and schedule.
package recognition

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/money"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// ScheduleBasis selects the amount a ratable schedule spreads.
type ScheduleBasis string

const (
	// BasisRaw schedules the raw event amount.
	BasisRaw ScheduleBasis = "raw"
	// BasisAllocated schedules the obligation's allocated price.
	BasisAllocated ScheduleBasis = "allocated"
)

// Config tunes the pipeline.
type Config struct {
	DefaultDurationMonths int
	ScheduleBasis         ScheduleBasis
	BatchParallelism      int
}

func (c Config) withDefaults() Config {
	if c.DefaultDurationMonths <= 0 {
		c.DefaultDurationMonths = 12
	}
	if c.ScheduleBasis != BasisAllocated {
		c.ScheduleBasis = BasisRaw
	}
	if c.BatchParallelism <= 0 {
		c.BatchParallelism = 4
	}
	return c
}

// EventInput describes an inbound commercial event.
type EventInput struct {
	SourceSystem      string              `json:"source_system" validate:"required,max=100"`
	SourceID          string              `json:"source_id" validate:"required,max=200"`
	EventType         contracts.EventType `json:"event_type" validate:"required"`
	CustomerID        string              `json:"customer_id" validate:"required,max=100"`
	LedgerID          int64               `json:"ledger_id" validate:"required,gt=0"`
	Amount            decimal.Decimal     `json:"amount"`
	Currency          string              `json:"currency" validate:"required,len=3,alpha"`
	EventDate         time.Time           `json:"event_date" validate:"required"`
	ItemID            string              `json:"item_id,omitempty" validate:"max=100"`
	ItemType          string              `json:"item_type,omitempty" validate:"max=100"`
	Quantity          decimal.Decimal     `json:"quantity"`
	ReferenceNumber   string              `json:"reference_number,omitempty" validate:"max=200"`
	LegalEntityID     *int64              `json:"legal_entity_id,omitempty"`
	OrgID             *int64              `json:"org_id,omitempty"`
	RelatedContractID *int64              `json:"related_contract_id,omitempty"`
}

// Result identifies what an event produced. POBID is zero for billing-only events.
type Result struct {
	SourceEventID int64 `json:"source_event_id"`
	ContractID    int64 `json:"contract_id"`
	POBID         int64 `json:"pob_id"`
}

var (
	// ErrEventAlreadyProcessed rejects a replay of a Processed source event.
	ErrEventAlreadyProcessed = fmt.Errorf("recognition: source event already processed: %w", shared.ErrConflict)
	// ErrEventInFlight indicates another worker is processing the same source event.
	ErrEventInFlight = fmt.Errorf("recognition: source event in flight: %w", shared.ErrConflict)
	// ErrPeriodClosed rejects events dated inside a closed revenue period.
	ErrPeriodClosed = fmt.Errorf("recognition: revenue period closed: %w", shared.ErrValidation)
	// ErrContractNotActive rejects events against a Closed or Cancelled contract.
	ErrContractNotActive = fmt.Errorf("recognition: contract not active: %w", shared.ErrValidation)
	// ErrLedgerMismatch rejects events whose ledger differs from the referenced contract.
	ErrLedgerMismatch = fmt.Errorf("recognition: ledger does not match contract: %w", shared.ErrValidation)
	// ErrCurrencyMismatch rejects events whose currency differs from the referenced contract.
	ErrCurrencyMismatch = fmt.Errorf("recognition: currency does not match contract: %w", shared.ErrValidation)
	// ErrInvoiceWithoutContract rejects invoices that do not reference a contract.
	ErrInvoiceWithoutContract = fmt.Errorf("recognition: invoice requires related_contract_id: %w", shared.ErrValidation)
	// ErrRetryPayloadChanged rejects a retry of a Failed event whose fields differ from the stored record.
	ErrRetryPayloadChanged = fmt.Errorf("recognition: retry differs from stored source event: %w", shared.ErrValidation)
	// ErrAllocationMismatch signals allocated prices no longer sum to the transaction price.
	ErrAllocationMismatch = fmt.Errorf("recognition: allocation does not sum to transaction price: %w", shared.ErrInvariant)
)

var validate = validator.New()

func (in EventInput) normalized() EventInput {
	in.SourceSystem = strings.TrimSpace(in.SourceSystem)
	in.SourceID = strings.TrimSpace(in.SourceID)
	in.EventType = contracts.EventType(strings.ToUpper(strings.TrimSpace(string(in.EventType))))
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.ItemID = strings.TrimSpace(in.ItemID)
	in.ItemType = strings.TrimSpace(in.ItemType)
	in.ReferenceNumber = strings.TrimSpace(in.ReferenceNumber)
	return in
}

// Normalize trims identifiers, upper-cases codes and validates the result.
func (in EventInput) Normalize() (EventInput, error) {
	out := in.normalized()
	if err := out.Validate(); err != nil {
		return EventInput{}, err
	}
	return out, nil
}

// Validate checks the event descriptor.
func (in EventInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("recognition: %s failed %s: %w", fieldErrs[0].Field(), fieldErrs[0].Tag(), shared.ErrValidation)
		}
		return fmt.Errorf("recognition: %v: %w", err, shared.ErrValidation)
	}
	if !in.EventType.Valid() {
		return fmt.Errorf("recognition: unknown event type %q: %w", in.EventType, shared.ErrValidation)
	}
	if !money.Valid(in.Currency) {
		return fmt.Errorf("recognition: unknown currency %q: %w", in.Currency, shared.ErrValidation)
	}
	if in.Amount.IsNegative() {
		return fmt.Errorf("recognition: amount must be >= 0: %w", shared.ErrValidation)
	}
	if !money.FitsScale(in.Amount, in.Currency) {
		return fmt.Errorf("recognition: amount %s exceeds %s precision: %w", in.Amount, in.Currency, shared.ErrValidation)
	}
	if in.Quantity.IsNegative() {
		return fmt.Errorf("recognition: quantity must be >= 0: %w", shared.ErrValidation)
	}
	if in.EventType.IsBilling() && in.RelatedContractID == nil {
		return ErrInvoiceWithoutContract
	}
	return nil
}

// matches reports whether in carries the same commercial fields as the stored event. The contract reference
// may differ so a billing event that failed on a bad reference can be retried against the right one.
func (in EventInput) matches(evt contracts.SourceEvent) bool {
	y1, m1, d1 := in.EventDate.Date()
	y2, m2, d2 := evt.EventDate.Date()
	return in.CustomerID == evt.CustomerID &&
		in.LedgerID == evt.LedgerID &&
		in.Amount.Equal(evt.Amount) &&
		strings.EqualFold(in.Currency, evt.Currency) &&
		y1 == y2 && m1 == m2 && d1 == d2 &&
		in.ItemID == evt.ItemID &&
		in.ReferenceNumber == evt.ReferenceNumber &&
		sameID(in.LegalEntityID, evt.LegalEntityID) &&
		sameID(in.OrgID, evt.OrgID)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (in EventInput) sourceEvent() contracts.SourceEvent {
	return contracts.SourceEvent{
		SourceSystem:     in.SourceSystem,
		SourceID:         in.SourceID,
		EventType:        in.EventType,
		CustomerID:       in.CustomerID,
		LedgerID:         in.LedgerID,
		Amount:           in.Amount,
		Currency:         in.Currency,
		EventDate:        in.EventDate,
		ItemID:           in.ItemID,
		ContractID:       in.RelatedContractID,
		ReferenceNumber:  in.ReferenceNumber,
		LegalEntityID:    in.LegalEntityID,
		OrgID:            in.OrgID,
		ProcessingStatus: contracts.ProcessingStatusProcessing,
	}
}
