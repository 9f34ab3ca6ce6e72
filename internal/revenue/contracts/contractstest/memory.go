// Package contractstest provides an in-memory contracts.Store for service tests.
package contractstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
)

type state struct {
	events       map[int64]contracts.SourceEvent
	contracts    map[int64]contracts.Contract
	obligations  map[int64]contracts.Obligation
	recognitions map[int64]contracts.Recognition
	versions     []contracts.Version
	periods      map[int64]contracts.Period
	nextID       int64
}

func newState() state {
	return state{
		events:       map[int64]contracts.SourceEvent{},
		contracts:    map[int64]contracts.Contract{},
		obligations:  map[int64]contracts.Obligation{},
		recognitions: map[int64]contracts.Recognition{},
		periods:      map[int64]contracts.Period{},
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.events {
		out.events[k] = v
	}
	for k, v := range s.contracts {
		out.contracts[k] = v
	}
	for k, v := range s.obligations {
		out.obligations[k] = v
	}
	for k, v := range s.recognitions {
		out.recognitions[k] = v
	}
	for k, v := range s.periods {
		out.periods[k] = v
	}
	out.versions = append([]contracts.Version(nil), s.versions...)
	out.nextID = s.nextID
	return out
}

// Store is an in-memory contracts.Store. Units of work are serialised and rolled back when fn fails.
type Store struct {
	mu    sync.Mutex
	state state
	now   func() time.Time

	// FailOn, when set, is consulted before each write; a non-nil return aborts the unit of work.
	FailOn func(op string) error

	// Concurrent, when set, runs as another unit of work that commits while this one waits on the named
	// lock. Locking units of work see its writes once the lock is granted; plain units of work read a
	// snapshot taken before the wait, so its writes land only after they finish.
	Concurrent func(op string, tx contracts.Tx)

	// LockingTxs counts WithLockingTx calls.
	LockingTxs int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

// WithTx implements contracts.Store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, contracts.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, false, fn)
}

// WithLockingTx implements contracts.Store.
func (s *Store) WithLockingTx(ctx context.Context, fn func(context.Context, contracts.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LockingTxs++
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, locking bool, fn func(context.Context, contracts.Tx) error) error {
	snapshot := s.state.clone()
	t := &tx{store: s, locking: locking}
	err := fn(ctx, t)
	if err != nil {
		s.state = snapshot
	}
	for _, op := range t.hidden {
		s.Concurrent(op, &tx{store: s, locking: true})
	}
	return err
}

// Events returns all source events ordered by id.
func (s *Store) Events() []contracts.SourceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.SourceEvent, 0, len(s.state.events))
	for _, e := range s.state.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Contracts returns all contracts ordered by id.
func (s *Store) Contracts() []contracts.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Contract, 0, len(s.state.contracts))
	for _, c := range s.state.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Recognitions returns all schedule rows of a contract ordered by date then id.
func (s *Store) Recognitions(contractID int64) []contracts.Recognition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.recognitionsFor(contractID)
}

// Obligations returns all obligations of a contract ordered by id.
func (s *Store) Obligations(contractID int64) []contracts.Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.obligationsFor(contractID)
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) recognitionsFor(contractID int64) []contracts.Recognition {
	var out []contracts.Recognition
	for _, r := range s.recognitions {
		if r.ContractID == contractID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduleDate.Equal(out[j].ScheduleDate) {
			return out[i].ScheduleDate.Before(out[j].ScheduleDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) obligationsFor(contractID int64) []contracts.Obligation {
	var out []contracts.Obligation
	for _, o := range s.obligations {
		if o.ContractID == contractID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type tx struct {
	store   *Store
	locking bool
	hidden  []string
}

func (t *tx) st() *state { return &t.store.state }

func (t *tx) fail(op string) error {
	if t.store.FailOn != nil {
		return t.store.FailOn(op)
	}
	return nil
}

func (t *tx) InsertSourceEvent(_ context.Context, evt contracts.SourceEvent) (contracts.SourceEvent, error) {
	if err := t.fail("InsertSourceEvent"); err != nil {
		return contracts.SourceEvent{}, err
	}
	for _, e := range t.st().events {
		if e.SourceSystem == evt.SourceSystem && e.SourceID == evt.SourceID && e.EventType == evt.EventType {
			return contracts.SourceEvent{}, contracts.ErrDuplicateEvent
		}
	}
	evt.ID = t.st().id()
	evt.CreatedAt = t.store.now()
	t.st().events[evt.ID] = evt
	return evt, nil
}

func (t *tx) FindSourceEvent(_ context.Context, sourceSystem, sourceID string, eventType contracts.EventType) (contracts.SourceEvent, error) {
	for _, e := range t.st().events {
		if e.SourceSystem == sourceSystem && e.SourceID == sourceID && e.EventType == eventType {
			return e, nil
		}
	}
	return contracts.SourceEvent{}, contracts.ErrEventNotFound
}

func (t *tx) LockSourceEvent(_ context.Context, id int64) (contracts.SourceEvent, error) {
	e, ok := t.st().events[id]
	if !ok {
		return contracts.SourceEvent{}, contracts.ErrEventNotFound
	}
	return e, nil
}

func (t *tx) UpdateSourceEventStatus(_ context.Context, id int64, status contracts.ProcessingStatus, contractID *int64, errMsg string, at time.Time) error {
	if err := t.fail("UpdateSourceEventStatus"); err != nil {
		return err
	}
	e, ok := t.st().events[id]
	if !ok {
		return contracts.ErrEventNotFound
	}
	e.ProcessingStatus = status
	if contractID != nil {
		cid := *contractID
		e.ContractID = &cid
	}
	e.ErrorMessage = errMsg
	processed := at
	e.ProcessedAt = &processed
	t.st().events[id] = e
	return nil
}

func (t *tx) InsertContract(_ context.Context, c contracts.Contract) (contracts.Contract, error) {
	if err := t.fail("InsertContract"); err != nil {
		return contracts.Contract{}, err
	}
	c.ID = t.st().id()
	c.CreatedAt = t.store.now()
	c.UpdatedAt = c.CreatedAt
	t.st().contracts[c.ID] = c
	return c, nil
}

func (t *tx) GetContract(_ context.Context, id int64) (contracts.Contract, error) {
	c, ok := t.st().contracts[id]
	if !ok {
		return contracts.Contract{}, contracts.ErrContractNotFound
	}
	return c, nil
}

func (t *tx) LockContract(ctx context.Context, id int64) (contracts.Contract, error) {
	return t.GetContract(ctx, id)
}

func (t *tx) AddTransactionPrice(_ context.Context, id int64, delta decimal.Decimal) (contracts.Contract, error) {
	if err := t.fail("AddTransactionPrice"); err != nil {
		return contracts.Contract{}, err
	}
	c, ok := t.st().contracts[id]
	if !ok {
		return contracts.Contract{}, contracts.ErrContractNotFound
	}
	c.TotalTransactionPrice = c.TotalTransactionPrice.Add(delta)
	c.UpdatedAt = t.store.now()
	t.st().contracts[id] = c
	return c, nil
}

func (t *tx) SetAllocatedTotal(_ context.Context, id int64, total decimal.Decimal) error {
	c, ok := t.st().contracts[id]
	if !ok {
		return contracts.ErrContractNotFound
	}
	c.TotalAllocatedPrice = total
	t.st().contracts[id] = c
	return nil
}

func (t *tx) ReplaceTransactionPrice(_ context.Context, id int64, newTotal decimal.Decimal, expectedVersion int) (contracts.Contract, error) {
	if err := t.fail("ReplaceTransactionPrice"); err != nil {
		return contracts.Contract{}, err
	}
	c, ok := t.st().contracts[id]
	if !ok || c.VersionNumber != expectedVersion {
		return contracts.Contract{}, contracts.ErrVersionConflict
	}
	c.TotalTransactionPrice = newTotal
	c.VersionNumber++
	c.UpdatedAt = t.store.now()
	t.st().contracts[id] = c
	return c, nil
}

func (t *tx) ListContracts(_ context.Context, filter contracts.ContractFilter) ([]contracts.Contract, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []contracts.Contract
	for _, c := range t.st().contracts {
		if filter.CustomerID != "" && c.CustomerID != filter.CustomerID {
			continue
		}
		if filter.LedgerID != nil && c.LedgerID != *filter.LedgerID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ListLedgerIDs(_ context.Context) ([]int64, error) {
	seen := map[int64]bool{}
	var out []int64
	for _, c := range t.st().contracts {
		if !seen[c.LedgerID] {
			seen[c.LedgerID] = true
			out = append(out, c.LedgerID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *tx) InsertObligation(_ context.Context, o contracts.Obligation) (contracts.Obligation, error) {
	if err := t.fail("InsertObligation"); err != nil {
		return contracts.Obligation{}, err
	}
	if _, ok := t.st().contracts[o.ContractID]; !ok {
		return contracts.Obligation{}, contracts.ErrContractNotFound
	}
	o.ID = t.st().id()
	o.CreatedAt = t.store.now()
	t.st().obligations[o.ID] = o
	return o, nil
}

func (t *tx) ListObligations(_ context.Context, contractID int64) ([]contracts.Obligation, error) {
	return t.st().obligationsFor(contractID), nil
}

func (t *tx) UpdateAllocatedPrice(_ context.Context, obligationID int64, amount decimal.Decimal) error {
	o, ok := t.st().obligations[obligationID]
	if !ok {
		return nil
	}
	o.AllocatedPrice = amount
	t.st().obligations[obligationID] = o
	return nil
}

func (t *tx) InsertRecognitions(_ context.Context, rows []contracts.Recognition) ([]contracts.Recognition, error) {
	if err := t.fail("InsertRecognitions"); err != nil {
		return nil, err
	}
	out := make([]contracts.Recognition, len(rows))
	for i, r := range rows {
		r.ID = t.st().id()
		r.CreatedAt = t.store.now()
		t.st().recognitions[r.ID] = r
		out[i] = r
	}
	return out, nil
}

func (t *tx) ListRecognitions(_ context.Context, contractID int64) ([]contracts.Recognition, error) {
	return t.st().recognitionsFor(contractID), nil
}

func (t *tx) SumRecognizedToDate(_ context.Context, contractID int64, asOf time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range t.st().recognitionsFor(contractID) {
		if r.ScheduleDate.After(asOf) {
			continue
		}
		if r.Status == contracts.RecognitionStatusPending || r.Status == contracts.RecognitionStatusPosted {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (t *tx) PostPendingRecognitions(_ context.Context, ledgerID int64, from, to, at time.Time) (int64, error) {
	if err := t.fail("PostPendingRecognitions"); err != nil {
		return 0, err
	}
	var n int64
	for id, r := range t.st().recognitions {
		c := t.st().contracts[r.ContractID]
		if c.LedgerID != ledgerID || r.Status != contracts.RecognitionStatusPending {
			continue
		}
		if r.ScheduleDate.Before(from) || r.ScheduleDate.After(to) {
			continue
		}
		posted := at
		r.Status = contracts.RecognitionStatusPosted
		r.PostedAt = &posted
		t.st().recognitions[id] = r
		n++
	}
	return n, nil
}

func (t *tx) InsertVersion(_ context.Context, v contracts.Version) error {
	if err := t.fail("InsertVersion"); err != nil {
		return err
	}
	for _, existing := range t.st().versions {
		if existing.ContractID == v.ContractID && existing.VersionNumber == v.VersionNumber {
			return contracts.ErrDuplicateVersion
		}
	}
	v.ID = t.st().id()
	t.st().versions = append(t.st().versions, v)
	return nil
}

func (t *tx) ListVersions(_ context.Context, contractID int64) ([]contracts.Version, error) {
	var out []contracts.Version
	for _, v := range t.st().versions {
		if v.ContractID == contractID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (t *tx) InsertPeriod(_ context.Context, p contracts.Period) (contracts.Period, error) {
	if err := t.fail("InsertPeriod"); err != nil {
		return contracts.Period{}, err
	}
	p.ID = t.st().id()
	p.CreatedAt = t.store.now()
	t.st().periods[p.ID] = p
	return p, nil
}

func (t *tx) GetPeriod(_ context.Context, id int64) (contracts.Period, error) {
	p, ok := t.st().periods[id]
	if !ok {
		return contracts.Period{}, contracts.ErrPeriodNotFound
	}
	return p, nil
}

func (t *tx) LockPeriod(ctx context.Context, id int64) (contracts.Period, error) {
	t.wait("LockPeriod")
	return t.GetPeriod(ctx, id)
}

func (t *tx) wait(op string) {
	switch {
	case t.store.Concurrent == nil:
	case t.locking:
		t.store.Concurrent(op, &tx{store: t.store, locking: true})
	default:
		t.hidden = append(t.hidden, op)
	}
}

func (t *tx) ListPeriods(_ context.Context, filter contracts.PeriodFilter) ([]contracts.Period, error) {
	var out []contracts.Period
	for _, p := range t.st().periods {
		if filter.LedgerID != nil && p.LedgerID != *filter.LedgerID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.EndingBefore != nil && !p.EndDate.Before(*filter.EndingBefore) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LedgerID != out[j].LedgerID {
			return out[i].LedgerID < out[j].LedgerID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out, nil
}

func (t *tx) FindPeriodByDate(_ context.Context, ledgerID int64, date time.Time) (contracts.Period, error) {
	for _, p := range t.st().periods {
		if p.LedgerID == ledgerID && p.Contains(date) {
			return p, nil
		}
	}
	return contracts.Period{}, contracts.ErrPeriodNotFound
}

func (t *tx) PeriodRangeConflict(_ context.Context, ledgerID int64, from, to time.Time) (bool, error) {
	for _, p := range t.st().periods {
		if p.LedgerID != ledgerID {
			continue
		}
		if !from.After(p.EndDate) && !to.Before(p.StartDate) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) UpdatePeriodStatus(_ context.Context, id int64, status contracts.PeriodStatus, at time.Time) error {
	if err := t.fail("UpdatePeriodStatus"); err != nil {
		return err
	}
	p, ok := t.st().periods[id]
	if !ok {
		return contracts.ErrPeriodNotFound
	}
	p.Status = status
	if status == contracts.PeriodStatusOpen {
		p.ClosedAt = nil
	} else if p.ClosedAt == nil {
		closed := at
		p.ClosedAt = &closed
	}
	t.st().periods[id] = p
	return nil
}

func (t *tx) Reconciliation(_ context.Context, window contracts.ActivityWindow) ([]contracts.ReconciliationRow, error) {
	active := map[int64]bool{}
	within := func(d time.Time) bool { return !d.Before(window.From) && !d.After(window.To) }
	for _, r := range t.st().recognitions {
		if within(r.ScheduleDate) {
			active[r.ContractID] = true
		}
	}
	for _, e := range t.st().events {
		if e.ContractID != nil && e.ProcessingStatus == contracts.ProcessingStatusProcessed && within(e.EventDate) {
			active[*e.ContractID] = true
		}
	}
	var out []contracts.ReconciliationRow
	for id := range active {
		c, ok := t.st().contracts[id]
		if !ok || c.LedgerID != window.LedgerID {
			continue
		}
		row := contracts.ReconciliationRow{ContractID: c.ID, ContractNumber: c.ContractNumber, Recognized: decimal.Zero, Invoiced: decimal.Zero}
		for _, r := range t.st().recognitions {
			if r.ContractID == id && r.Status == contracts.RecognitionStatusPosted &&
				r.AccountType == contracts.AccountTypeRevenue && !r.ScheduleDate.After(window.To) {
				row.Recognized = row.Recognized.Add(r.Amount)
			}
		}
		for _, e := range t.st().events {
			if e.ContractID != nil && *e.ContractID == id && e.EventType == contracts.EventTypeInvoice &&
				e.ProcessingStatus == contracts.ProcessingStatusProcessed && !e.EventDate.After(window.To) {
				row.Invoiced = row.Invoiced.Add(e.Amount)
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

func (t *tx) MonthlyPostedRevenue(_ context.Context, filter contracts.MonthlyFilter) ([]contracts.MonthlyAmount, error) {
	buckets := map[time.Time]decimal.Decimal{}
	for _, r := range t.st().recognitions {
		if r.Status != contracts.RecognitionStatusPosted || r.AccountType != contracts.AccountTypeRevenue {
			continue
		}
		if r.ScheduleDate.Before(filter.From) || r.ScheduleDate.After(filter.To) {
			continue
		}
		if filter.ContractID != nil && r.ContractID != *filter.ContractID {
			continue
		}
		if filter.LedgerID != nil && t.st().contracts[r.ContractID].LedgerID != *filter.LedgerID {
			continue
		}
		month := time.Date(r.ScheduleDate.Year(), r.ScheduleDate.Month(), 1, 0, 0, 0, 0, time.UTC)
		buckets[month] = buckets[month].Add(r.Amount)
	}
	out := make([]contracts.MonthlyAmount, 0, len(buckets))
	for m, amt := range buckets {
		out = append(out, contracts.MonthlyAmount{Month: m, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}

// SeedPeriod inserts a period outside any unit of work.
func (s *Store) SeedPeriod(p contracts.Period) contracts.Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.state.id()
	p.CreatedAt = s.now()
	s.state.periods[p.ID] = p
	return p
}

// SeedRecognition inserts a schedule row outside any unit of work.
func (s *Store) SeedRecognition(r contracts.Recognition) contracts.Recognition {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.state.id()
	r.CreatedAt = s.now()
	s.state.recognitions[r.ID] = r
	return r
}

// SeedContract inserts a contract outside any unit of work.
func (s *Store) SeedContract(c contracts.Contract) contracts.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.state.id()
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.state.contracts[c.ID] = c
	return c
}

// SeedEvent inserts a source event outside any unit of work.
func (s *Store) SeedEvent(e contracts.SourceEvent) contracts.SourceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.state.id()
	e.CreatedAt = s.now()
	s.state.events[e.ID] = e
	return e
}
