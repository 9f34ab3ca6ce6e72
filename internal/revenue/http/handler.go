// Package revenuehttp exposes the revenue engine as a JSON API.
package revenuehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/revrec/internal/platform/httpx"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/forecast"
	"github.com/odyssey-erp/revrec/internal/revenue/modification"
	"github.com/odyssey-erp/revrec/internal/revenue/periodclose"
	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
	"github.com/odyssey-erp/revrec/internal/revenue/rules"
	"github.com/odyssey-erp/revrec/internal/revenue/ssp"
	"github.com/odyssey-erp/revrec/internal/shared"
	"github.com/odyssey-erp/revrec/jobs"
)

// ActorHeader carries the caller identity recorded on audit entries.
const ActorHeader = "X-Actor"

type pipelineService interface {
	ProcessSourceEvent(ctx context.Context, in recognition.EventInput) (recognition.Result, error)
	ProcessBatch(ctx context.Context, events []recognition.EventInput) ([]recognition.BatchItem, error)
}

type contractService interface {
	GetContract(ctx context.Context, id int64) (contracts.Detail, error)
	ListContracts(ctx context.Context, filter contracts.ContractFilter) ([]contracts.Contract, error)
}

type modificationService interface {
	ModifyContract(ctx context.Context, contractID int64, in modification.Input) (modification.Result, error)
	ListVersions(ctx context.Context, contractID int64) ([]contracts.Version, error)
}

type catalogService interface {
	CreateBook(ctx context.Context, in ssp.CreateBookInput) (ssp.Book, error)
	AddLine(ctx context.Context, in ssp.AddLineInput) (ssp.Line, error)
	ListLines(ctx context.Context, bookID int64) ([]ssp.Line, error)
	GetSSP(ctx context.Context, q ssp.Query) (ssp.Lookup, error)
}

type ruleService interface {
	CreateRule(ctx context.Context, in rules.CreateRuleInput) (rules.Rule, error)
	ListRules(ctx context.Context) ([]rules.Rule, error)
}

type periodService interface {
	CreatePeriod(ctx context.Context, in periodclose.CreatePeriodInput) (contracts.Period, error)
	GetPeriod(ctx context.Context, id int64) (contracts.Period, error)
	ListPeriods(ctx context.Context, filter contracts.PeriodFilter) ([]contracts.Period, error)
	TransitionPeriod(ctx context.Context, id int64, target contracts.PeriodStatus, actor string) (contracts.Period, error)
	RunSweep(ctx context.Context, periodID int64) (periodclose.Report, error)
}

type forecastService interface {
	GenerateForecast(ctx context.Context, q forecast.Query) (forecast.Forecast, error)
}

// Enqueuer hands work to the async worker.
type Enqueuer interface {
	EnqueueRevenueEvent(ctx context.Context, payload jobs.RevenueEventPayload) (*asynq.TaskInfo, error)
	EnqueuePeriodSweep(ctx context.Context, periodID int64) (*asynq.TaskInfo, error)
}

// Services groups the engine services served over HTTP. Queue is optional; without it async requests
// are rejected.
type Services struct {
	Pipeline      pipelineService
	Contracts     contractService
	Modifications modificationService
	Catalog       catalogService
	Rules         ruleService
	Periods       periodService
	Forecasts     forecastService
	Queue         Enqueuer
}

// Handler serves the revenue API.
type Handler struct {
	logger *slog.Logger
	svc    Services
}

// NewHandler constructs the revenue HTTP handler.
func NewHandler(logger *slog.Logger, svc Services) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc}
}

// MountRoutes registers the revenue routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.processEvent)
		r.Post("/batch", h.processBatch)
	})
	r.Route("/contracts", func(r chi.Router) {
		r.Get("/", h.listContracts)
		r.Get("/{id}", h.getContract)
		r.Post("/{id}/modifications", h.modifyContract)
		r.Get("/{id}/versions", h.listVersions)
	})
	r.Route("/ssp", func(r chi.Router) {
		r.Post("/books", h.createBook)
		r.Get("/books/{id}/lines", h.listLines)
		r.Post("/books/{id}/lines", h.addLine)
		r.Get("/lookup", h.lookupSSP)
	})
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
	})
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Post("/", h.createPeriod)
		r.Get("/{id}", h.getPeriod)
		r.Post("/{id}/status", h.transitionPeriod)
		r.Post("/{id}/sweep", h.runSweep)
	})
	r.Get("/forecast", h.generateForecast)
}

func (h *Handler) processEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := req.toInput()
	if isAsync(r) {
		if h.svc.Queue == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "async processing is not configured")
			return
		}
		queued, err := in.Normalize()
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		info, err := h.svc.Queue.EnqueueRevenueEvent(r.Context(), recognition.PayloadFromEvent(queued))
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			httpx.Problem(w, http.StatusConflict, "Conflict", "event already queued")
			return
		}
		if err != nil {
			h.fail(w, "enqueue revenue event", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, queuedResponse{TaskID: info.ID, Queue: info.Queue})
		return
	}
	res, err := h.svc.Pipeline.ProcessSourceEvent(r.Context(), in)
	if err != nil {
		h.fail(w, "process revenue event", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) processBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxBatchSize {
		httpx.RespondError(w, fmt.Errorf("%w: batch must hold 1..%d events", shared.ErrValidation, maxBatchSize))
		return
	}
	events := make([]recognition.EventInput, len(req.Events))
	for i, e := range req.Events {
		events[i] = e.toInput()
	}
	items, err := h.svc.Pipeline.ProcessBatch(r.Context(), events)
	if err != nil && items == nil {
		h.fail(w, "process revenue batch", err)
		return
	}
	out := batchResponse{Items: make([]batchItemResponse, len(items))}
	for i, item := range items {
		row := batchItemResponse{Index: item.Index}
		if item.Err != nil {
			row.Error = item.Err.Error()
			out.Failed++
		} else {
			res := item.Result
			row.Result = &res
			out.Succeeded++
		}
		out.Items[i] = row
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := contracts.ContractFilter{
		CustomerID: strings.TrimSpace(q.Get("customer_id")),
		Status:     contracts.ContractStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	var err error
	if filter.LedgerID, err = optionalInt64(q.Get("ledger_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be 1..500", shared.ErrValidation))
			return
		}
		filter.Limit = limit
	}
	out, err := h.svc.Contracts.ListContracts(r.Context(), filter)
	if err != nil {
		h.fail(w, "list contracts", err)
		return
	}
	if out == nil {
		out = []contracts.Contract{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.svc.Contracts.GetContract(r.Context(), id)
	if err != nil {
		h.fail(w, "get contract", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) modifyContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req modifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.svc.Modifications.ModifyContract(r.Context(), id, modification.Input{
		NewTotalValue: req.NewTotalValue,
		Reason:        req.Reason,
		Actor:         actor(r),
	})
	if err != nil {
		h.fail(w, "modify contract", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.svc.Modifications.ListVersions(r.Context(), id)
	if err != nil {
		h.fail(w, "list contract versions", err)
		return
	}
	if out == nil {
		out = []contracts.Version{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	book, err := h.svc.Catalog.CreateBook(r.Context(), ssp.CreateBookInput{
		Name:          req.Name,
		Currency:      req.Currency,
		EffectiveFrom: req.EffectiveFrom,
		Status:        ssp.BookStatus(strings.ToUpper(req.Status)),
	})
	if err != nil {
		h.fail(w, "create ssp book", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, book)
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	line, err := h.svc.Catalog.AddLine(r.Context(), ssp.AddLineInput{
		BookID:      bookID,
		ItemID:      req.ItemID,
		SSPValue:    req.SSPValue,
		MinQuantity: req.MinQuantity,
	})
	if err != nil {
		h.fail(w, "add ssp line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

func (h *Handler) listLines(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.svc.Catalog.ListLines(r.Context(), bookID)
	if err != nil {
		h.fail(w, "list ssp lines", err)
		return
	}
	if out == nil {
		out = []ssp.Line{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) lookupSSP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := ssp.Query{ItemID: strings.TrimSpace(q.Get("item_id"))}
	if query.ItemID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: item_id required", shared.ErrValidation))
		return
	}
	var err error
	if query.BookID, err = optionalInt64(q.Get("book_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if query.Quantity, err = optionalDecimal(q.Get("quantity")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.svc.Catalog.GetSSP(r.Context(), query)
	if err != nil {
		h.fail(w, "lookup ssp", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Rules.ListRules(r.Context())
	if err != nil {
		h.fail(w, "list rules", err)
		return
	}
	if out == nil {
		out = []rules.Rule{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rule, err := h.svc.Rules.CreateRule(r.Context(), rules.CreateRuleInput{
		Name:               req.Name,
		Attribute:          rules.Attribute(req.Attribute),
		Value:              req.Value,
		Priority:           req.Priority,
		POBName:            req.POBName,
		SatisfactionMethod: contracts.SatisfactionMethod(strings.ToUpper(req.SatisfactionMethod)),
		DurationMonths:     req.DurationMonths,
	})
	if err != nil {
		h.fail(w, "create rule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := contracts.PeriodFilter{Status: contracts.PeriodStatus(strings.ToUpper(strings.TrimSpace(q.Get("status"))))}
	var err error
	if filter.LedgerID, err = optionalInt64(q.Get("ledger_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.svc.Periods.ListPeriods(r.Context(), filter)
	if err != nil {
		h.fail(w, "list periods", err)
		return
	}
	if out == nil {
		out = []contracts.Period{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.svc.Periods.CreatePeriod(r.Context(), periodclose.CreatePeriodInput{
		LedgerID:   req.LedgerID,
		PeriodName: req.PeriodName,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
	})
	if err != nil {
		h.fail(w, "create period", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.svc.Periods.GetPeriod(r.Context(), id)
	if err != nil {
		h.fail(w, "get period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) transitionPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	target := contracts.PeriodStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	p, err := h.svc.Periods.TransitionPeriod(r.Context(), id, target, actor(r))
	if err != nil {
		h.fail(w, "transition period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if isAsync(r) {
		if h.svc.Queue == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "async processing is not configured")
			return
		}
		info, err := h.svc.Queue.EnqueuePeriodSweep(r.Context(), id)
		if err != nil {
			h.fail(w, "enqueue period sweep", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, queuedResponse{TaskID: info.ID, Queue: info.Queue})
		return
	}
	report, err := h.svc.Periods.RunSweep(r.Context(), id)
	if err != nil {
		h.fail(w, "run period sweep", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) generateForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := forecast.Query{Months: 3, Currency: q.Get("currency")}
	if raw := q.Get("months"); raw != "" {
		months, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: months must be an integer", shared.ErrValidation))
			return
		}
		query.Months = months
	}
	var err error
	if query.ContractID, err = optionalInt64(q.Get("contract_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if query.LedgerID, err = optionalInt64(q.Get("ledger_id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.svc.Forecasts.GenerateForecast(r.Context(), query)
	if err != nil {
		h.fail(w, "generate forecast", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrConflict):
		h.logger.Debug(op, slog.Any("error", err))
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
