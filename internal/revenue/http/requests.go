package revenuehttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
	"github.com/odyssey-erp/revrec/internal/shared"
)

const maxBatchSize = 500

type eventRequest struct {
	SourceSystem      string          `json:"source_system"`
	SourceID          string          `json:"source_id"`
	EventType         string          `json:"event_type"`
	CustomerID        string          `json:"customer_id"`
	LedgerID          int64           `json:"ledger_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	EventDate         time.Time       `json:"event_date"`
	ItemID            string          `json:"item_id"`
	ItemType          string          `json:"item_type"`
	Quantity          decimal.Decimal `json:"quantity"`
	ReferenceNumber   string          `json:"reference_number"`
	LegalEntityID     *int64          `json:"legal_entity_id"`
	OrgID             *int64          `json:"org_id"`
	RelatedContractID *int64          `json:"related_contract_id"`
}

func (r eventRequest) toInput() recognition.EventInput {
	return recognition.EventInput{
		SourceSystem:      r.SourceSystem,
		SourceID:          r.SourceID,
		EventType:         contracts.EventType(r.EventType),
		CustomerID:        r.CustomerID,
		LedgerID:          r.LedgerID,
		Amount:            r.Amount,
		Currency:          r.Currency,
		EventDate:         r.EventDate,
		ItemID:            r.ItemID,
		ItemType:          r.ItemType,
		Quantity:          r.Quantity,
		ReferenceNumber:   r.ReferenceNumber,
		LegalEntityID:     r.LegalEntityID,
		OrgID:             r.OrgID,
		RelatedContractID: r.RelatedContractID,
	}
}

type batchRequest struct {
	Events []eventRequest `json:"events"`
}

type batchItemResponse struct {
	Index  int                 `json:"index"`
	Result *recognition.Result `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

type batchResponse struct {
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Items     []batchItemResponse `json:"items"`
}

type queuedResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

type modifyRequest struct {
	NewTotalValue decimal.Decimal `json:"new_total_value"`
	Reason        string          `json:"reason"`
}

type bookRequest struct {
	Name          string    `json:"name"`
	Currency      string    `json:"currency"`
	EffectiveFrom time.Time `json:"effective_from"`
	Status        string    `json:"status"`
}

type lineRequest struct {
	ItemID      string          `json:"item_id"`
	SSPValue    decimal.Decimal `json:"ssp_value"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

type ruleRequest struct {
	Name               string `json:"name"`
	Attribute          string `json:"attribute"`
	Value              string `json:"value"`
	Priority           int    `json:"priority"`
	POBName            string `json:"pob_name"`
	SatisfactionMethod string `json:"satisfaction_method"`
	DurationMonths     int    `json:"duration_months"`
}

type periodRequest struct {
	LedgerID   int64     `json:"ledger_id"`
	PeriodName string    `json:"period_name"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", shared.ErrValidation, raw)
	}
	return id, nil
}

func optionalInt64(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid integer %q", shared.ErrValidation, raw)
	}
	return &v, nil
}

func optionalDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid decimal %q", shared.ErrValidation, raw)
	}
	return v, nil
}

func isAsync(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return v
}

func actor(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(ActorHeader)); v != "" {
		return v
	}
	return "system"
}
