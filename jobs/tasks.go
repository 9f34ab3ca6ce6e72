package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries period close work ahead of ingestion.
	QueueCritical = "critical"

	// TaskRevenueEventProcess runs one source event through the recognition pipeline.
	TaskRevenueEventProcess = "revenue:event:process"
	// TaskRevenuePeriodSweep runs the close sweep for one period, or every due period when PeriodID is 0.
	TaskRevenuePeriodSweep = "revenue:period:sweep"
	// TaskRevenueForecastWarmup pre-populates forecast caches per ledger.
	TaskRevenueForecastWarmup = "revenue:forecast:warmup"
)

// RevenueEventPayload is the queued form of an inbound commercial event.
type RevenueEventPayload struct {
	SourceSystem      string          `json:"source_system"`
	SourceID          string          `json:"source_id"`
	EventType         string          `json:"event_type"`
	CustomerID        string          `json:"customer_id"`
	LedgerID          int64           `json:"ledger_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	EventDate         time.Time       `json:"event_date"`
	ItemID            string          `json:"item_id,omitempty"`
	ItemType          string          `json:"item_type,omitempty"`
	Quantity          decimal.Decimal `json:"quantity"`
	ReferenceNumber   string          `json:"reference_number,omitempty"`
	LegalEntityID     *int64          `json:"legal_entity_id,omitempty"`
	OrgID             *int64          `json:"org_id,omitempty"`
	RelatedContractID *int64          `json:"related_contract_id,omitempty"`
}

// PeriodSweepPayload selects the period to sweep.
type PeriodSweepPayload struct {
	PeriodID int64 `json:"period_id"`
}

// ForecastWarmupPayload configures the forecast warmup horizon.
type ForecastWarmupPayload struct {
	Months int `json:"months"`
}

// NewRevenueEventTask constructs an Asynq task. The task id is derived from the event identity so a
// duplicate enqueue is rejected by the broker.
func NewRevenueEventTask(payload RevenueEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s:%s:%s", payload.SourceSystem, payload.SourceID, payload.EventType)
	return asynq.NewTask(TaskRevenueEventProcess, data, asynq.Queue(QueueDefault), asynq.TaskID(id), asynq.MaxRetry(5)), nil
}

// NewPeriodSweepTask constructs an Asynq task.
func NewPeriodSweepTask(periodID int64) (*asynq.Task, error) {
	data, err := json.Marshal(PeriodSweepPayload{PeriodID: periodID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRevenuePeriodSweep, data, asynq.Queue(QueueCritical), asynq.MaxRetry(3)), nil
}

// NewForecastWarmupTask constructs an Asynq task.
func NewForecastWarmupTask(months int) (*asynq.Task, error) {
	data, err := json.Marshal(ForecastWarmupPayload{Months: months})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRevenueForecastWarmup, data, asynq.Queue(QueueDefault)), nil
}
