package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/revrec/internal/jobs"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/shared"
	"github.com/odyssey-erp/revrec/jobs"
)

// EventJob processes queued source events.
type EventJob struct {
	service *Service
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewEventJob constructs a job handler.
func NewEventJob(service *Service, metrics *jobmetrics.Metrics, logger *slog.Logger) *EventJob {
	return &EventJob{service: service, metrics: metrics, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract. Replays of processed events succeed without work;
// input errors are not retried.
func (j *EventJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.RevenueEventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(jobs.TaskRevenueEventProcess)
	_, err := j.service.ProcessSourceEvent(ctx, EventFromPayload(payload))
	switch {
	case err == nil:
		j.metrics.AddItems(jobs.TaskRevenueEventProcess, payload.LedgerID, 1)
		return tracker.End(nil)
	case errors.Is(err, ErrEventAlreadyProcessed):
		return tracker.End(nil)
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrInvariant):
		if j.logger != nil {
			j.logger.Error("revenue event rejected", slog.String("source_id", payload.SourceID), slog.Any("error", err))
		}
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	default:
		if j.logger != nil {
			j.logger.Warn("revenue event will retry", slog.String("source_id", payload.SourceID), slog.Any("error", err))
		}
		return tracker.End(err)
	}
}

// EventFromPayload converts a queued payload into pipeline input.
func EventFromPayload(p jobs.RevenueEventPayload) EventInput {
	return EventInput{
		SourceSystem:      p.SourceSystem,
		SourceID:          p.SourceID,
		EventType:         contracts.EventType(p.EventType),
		CustomerID:        p.CustomerID,
		LedgerID:          p.LedgerID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		EventDate:         p.EventDate,
		ItemID:            p.ItemID,
		ItemType:          p.ItemType,
		Quantity:          p.Quantity,
		ReferenceNumber:   p.ReferenceNumber,
		LegalEntityID:     p.LegalEntityID,
		OrgID:             p.OrgID,
		RelatedContractID: p.RelatedContractID,
	}
}

// PayloadFromEvent converts pipeline input into its queued form.
func PayloadFromEvent(in EventInput) jobs.RevenueEventPayload {
	return jobs.RevenueEventPayload{
		SourceSystem:      in.SourceSystem,
		SourceID:          in.SourceID,
		EventType:         string(in.EventType),
		CustomerID:        in.CustomerID,
		LedgerID:          in.LedgerID,
		Amount:            in.Amount,
		Currency:          in.Currency,
		EventDate:         in.EventDate,
		ItemID:            in.ItemID,
		ItemType:          in.ItemType,
		Quantity:          in.Quantity,
		ReferenceNumber:   in.ReferenceNumber,
		LegalEntityID:     in.LegalEntityID,
		OrgID:             in.OrgID,
		RelatedContractID: in.RelatedContractID,
	}
}
