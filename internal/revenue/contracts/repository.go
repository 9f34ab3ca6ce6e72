package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/platform/db"
)

// Repository is the PostgreSQL implementation of Store.
type Repository struct {
	pool       *pgxpool.Pool
	iso        pgx.TxIsoLevel
	lockingIso pgx.TxIsoLevel
}

// NewRepository constructs Repository. Units of work run under repeatable read. Locking units of work
// run under read committed: a repeatable read snapshot is taken when the first statement starts, before
// that statement waits on a lock, and would hide what the previous lock holder committed.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, iso: pgx.RepeatableRead, lockingIso: pgx.ReadCommitted}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a transaction. Serialization failures surface as ErrVersionConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if r == nil {
		return errors.New("contracts: repository not initialised")
	}
	return r.run(ctx, r.iso, fn)
}

// WithLockingTx executes fn within a read committed transaction.
func (r *Repository) WithLockingTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if r == nil {
		return errors.New("contracts: repository not initialised")
	}
	return r.run(ctx, r.lockingIso, fn)
}

func (r *Repository) run(ctx context.Context, iso pgx.TxIsoLevel, fn func(context.Context, Tx) error) error {
	if r.pool == nil {
		return errors.New("contracts: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, iso, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

const sourceEventColumns = `id, source_system, source_id, event_type, customer_id, ledger_id, amount, currency, event_date,
item_id, contract_id, reference_number, legal_entity_id, org_id, processing_status, error_message, created_at, processed_at`

func scanSourceEvent(row pgx.Row) (SourceEvent, error) {
	var e SourceEvent
	err := row.Scan(&e.ID, &e.SourceSystem, &e.SourceID, &e.EventType, &e.CustomerID, &e.LedgerID, &e.Amount, &e.Currency, &e.EventDate,
		&e.ItemID, &e.ContractID, &e.ReferenceNumber, &e.LegalEntityID, &e.OrgID, &e.ProcessingStatus, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SourceEvent{}, ErrEventNotFound
	}
	return e, err
}

func (r *txRepository) InsertSourceEvent(ctx context.Context, evt SourceEvent) (SourceEvent, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO revenue_source_events (source_system, source_id, event_type, customer_id, ledger_id, amount,
currency, event_date, item_id, contract_id, reference_number, legal_entity_id, org_id, processing_status, error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING `+sourceEventColumns,
		evt.SourceSystem, evt.SourceID, evt.EventType, evt.CustomerID, evt.LedgerID, evt.Amount, evt.Currency, evt.EventDate,
		evt.ItemID, evt.ContractID, evt.ReferenceNumber, evt.LegalEntityID, evt.OrgID, evt.ProcessingStatus, evt.ErrorMessage)
	out, err := scanSourceEvent(row)
	if err != nil && db.IsUniqueViolation(err) {
		return SourceEvent{}, ErrDuplicateEvent
	}
	return out, err
}

func (r *txRepository) FindSourceEvent(ctx context.Context, sourceSystem, sourceID string, eventType EventType) (SourceEvent, error) {
	return scanSourceEvent(r.tx.QueryRow(ctx, `SELECT `+sourceEventColumns+` FROM revenue_source_events
WHERE source_system=$1 AND source_id=$2 AND event_type=$3`, sourceSystem, sourceID, eventType))
}

func (r *txRepository) LockSourceEvent(ctx context.Context, id int64) (SourceEvent, error) {
	return scanSourceEvent(r.tx.QueryRow(ctx, `SELECT `+sourceEventColumns+` FROM revenue_source_events WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateSourceEventStatus(ctx context.Context, id int64, status ProcessingStatus, contractID *int64, errMsg string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE revenue_source_events
SET processing_status=$2, contract_id=COALESCE($3, contract_id), error_message=$4, processed_at=$5
WHERE id=$1`, id, status, contractID, errMsg, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

const contractColumns = `id, contract_number, customer_id, ledger_id, legal_entity_id, org_id, currency, status,
total_transaction_price, total_allocated_price, version_number, created_at, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(&c.ID, &c.ContractNumber, &c.CustomerID, &c.LedgerID, &c.LegalEntityID, &c.OrgID, &c.Currency, &c.Status,
		&c.TotalTransactionPrice, &c.TotalAllocatedPrice, &c.VersionNumber, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrContractNotFound
	}
	return c, err
}

func (r *txRepository) InsertContract(ctx context.Context, c Contract) (Contract, error) {
	return scanContract(r.tx.QueryRow(ctx, `INSERT INTO revenue_contracts (contract_number, customer_id, ledger_id, legal_entity_id,
org_id, currency, status, total_transaction_price, total_allocated_price, version_number)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING `+contractColumns,
		c.ContractNumber, c.CustomerID, c.LedgerID, c.LegalEntityID, c.OrgID, c.Currency, c.Status,
		c.TotalTransactionPrice, c.TotalAllocatedPrice, c.VersionNumber))
}

func (r *txRepository) GetContract(ctx context.Context, id int64) (Contract, error) {
	return scanContract(r.tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM revenue_contracts WHERE id=$1`, id))
}

func (r *txRepository) LockContract(ctx context.Context, id int64) (Contract, error) {
	return scanContract(r.tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM revenue_contracts WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) AddTransactionPrice(ctx context.Context, id int64, delta decimal.Decimal) (Contract, error) {
	return scanContract(r.tx.QueryRow(ctx, `UPDATE revenue_contracts
SET total_transaction_price = total_transaction_price + $2, updated_at = NOW()
WHERE id=$1 RETURNING `+contractColumns, id, delta))
}

func (r *txRepository) SetAllocatedTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE revenue_contracts SET total_allocated_price=$2, updated_at=NOW() WHERE id=$1`, id, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrContractNotFound
	}
	return nil
}

func (r *txRepository) ReplaceTransactionPrice(ctx context.Context, id int64, newTotal decimal.Decimal, expectedVersion int) (Contract, error) {
	c, err := scanContract(r.tx.QueryRow(ctx, `UPDATE revenue_contracts
SET total_transaction_price=$2, version_number = version_number + 1, updated_at=NOW()
WHERE id=$1 AND version_number=$3 RETURNING `+contractColumns, id, newTotal, expectedVersion))
	if errors.Is(err, ErrContractNotFound) {
		return Contract{}, ErrVersionConflict
	}
	return c, err
}

const obligationColumns = `id, contract_id, name, item_id, item_type, transaction_price, ssp_price, allocated_price,
satisfaction_method, start_date, end_date, status, created_at`

func (r *txRepository) ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var status *string
	if filter.Status != "" {
		v := string(filter.Status)
		status = &v
	}
	var customer *string
	if filter.CustomerID != "" {
		customer = &filter.CustomerID
	}
	rows, err := r.tx.Query(ctx, `SELECT `+contractColumns+` FROM revenue_contracts
WHERE ($1::text IS NULL OR customer_id = $1)
  AND ($2::bigint IS NULL OR ledger_id = $2)
  AND ($3::text IS NULL OR status = $3)
ORDER BY id DESC LIMIT $4`, customer, filter.LedgerID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) ListLedgerIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT ledger_id FROM revenue_contracts ORDER BY ledger_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func scanObligation(row pgx.Row) (Obligation, error) {
	var o Obligation
	err := row.Scan(&o.ID, &o.ContractID, &o.Name, &o.ItemID, &o.ItemType, &o.TransactionPrice, &o.SSPPrice, &o.AllocatedPrice,
		&o.SatisfactionMethod, &o.StartDate, &o.EndDate, &o.Status, &o.CreatedAt)
	return o, err
}

func (r *txRepository) InsertObligation(ctx context.Context, o Obligation) (Obligation, error) {
	return scanObligation(r.tx.QueryRow(ctx, `INSERT INTO revenue_obligations (contract_id, name, item_id, item_type, transaction_price,
ssp_price, allocated_price, satisfaction_method, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING `+obligationColumns,
		o.ContractID, o.Name, o.ItemID, o.ItemType, o.TransactionPrice, o.SSPPrice, o.AllocatedPrice,
		o.SatisfactionMethod, o.StartDate, o.EndDate, o.Status))
}

func (r *txRepository) ListObligations(ctx context.Context, contractID int64) ([]Obligation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+obligationColumns+` FROM revenue_obligations WHERE contract_id=$1 ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *txRepository) UpdateAllocatedPrice(ctx context.Context, obligationID int64, amount decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE revenue_obligations SET allocated_price=$2 WHERE id=$1`, obligationID, amount)
	return err
}

const recognitionColumns = `id, contract_id, COALESCE(pob_id, 0), period_name, schedule_date, amount, account_type, status,
event_type, created_at, posted_at`

func (r *txRepository) InsertRecognitions(ctx context.Context, rows []Recognition) ([]Recognition, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, rec := range rows {
		batch.Queue(`INSERT INTO revenue_recognitions (contract_id, pob_id, period_name, schedule_date, amount, account_type, status, event_type)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
			rec.ContractID, rec.ObligationID, rec.PeriodName, rec.ScheduleDate, rec.Amount, rec.AccountType, rec.Status, rec.EventType)
	}
	results := r.tx.SendBatch(ctx, batch)
	out := make([]Recognition, len(rows))
	copy(out, rows)
	for i := range out {
		if err := results.QueryRow().Scan(&out[i].ID, &out[i].CreatedAt); err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("contracts: insert recognition %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *txRepository) ListRecognitions(ctx context.Context, contractID int64) ([]Recognition, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+recognitionColumns+` FROM revenue_recognitions WHERE contract_id=$1 ORDER BY schedule_date, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recognition
	for rows.Next() {
		var rec Recognition
		if err := rows.Scan(&rec.ID, &rec.ContractID, &rec.ObligationID, &rec.PeriodName, &rec.ScheduleDate, &rec.Amount,
			&rec.AccountType, &rec.Status, &rec.EventType, &rec.CreatedAt, &rec.PostedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *txRepository) SumRecognizedToDate(ctx context.Context, contractID int64, asOf time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM revenue_recognitions
WHERE contract_id=$1 AND status IN ('PENDING','POSTED') AND schedule_date <= $2`, contractID, asOf).Scan(&total)
	return total, err
}

func (r *txRepository) PostPendingRecognitions(ctx context.Context, ledgerID int64, from, to, at time.Time) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE revenue_recognitions r SET status='POSTED', posted_at=$4
FROM revenue_contracts c
WHERE c.id = r.contract_id AND c.ledger_id=$1 AND r.status='PENDING' AND r.schedule_date BETWEEN $2 AND $3`, ledgerID, from, to, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) InsertVersion(ctx context.Context, v Version) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO revenue_contract_versions (contract_id, version_number, total_transaction_price,
total_allocated_price, change_reason, snapshot_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ContractID, v.VersionNumber, v.TotalTransactionPrice, v.TotalAllocatedPrice, v.ChangeReason, v.SnapshotAt)
	if err != nil && db.IsUniqueViolation(err) {
		return ErrDuplicateVersion
	}
	return err
}

func (r *txRepository) ListVersions(ctx context.Context, contractID int64) ([]Version, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, contract_id, version_number, total_transaction_price, total_allocated_price, change_reason, snapshot_at
FROM revenue_contract_versions WHERE contract_id=$1 ORDER BY version_number`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.ContractID, &v.VersionNumber, &v.TotalTransactionPrice, &v.TotalAllocatedPrice, &v.ChangeReason, &v.SnapshotAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const periodColumns = `id, ledger_id, period_name, start_date, end_date, status, closed_at, created_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.LedgerID, &p.PeriodName, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

func (r *txRepository) InsertPeriod(ctx context.Context, p Period) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `INSERT INTO revenue_periods (ledger_id, period_name, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5) RETURNING `+periodColumns, p.LedgerID, p.PeriodName, p.StartDate, p.EndDate, p.Status))
}

func (r *txRepository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM revenue_periods WHERE id=$1`, id))
}

func (r *txRepository) LockPeriod(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM revenue_periods WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error) {
	var status *string
	if filter.Status != "" {
		v := string(filter.Status)
		status = &v
	}
	rows, err := r.tx.Query(ctx, `SELECT `+periodColumns+` FROM revenue_periods
WHERE ($1::bigint IS NULL OR ledger_id = $1)
  AND ($2::text IS NULL OR status = $2)
  AND ($3::date IS NULL OR end_date < $3)
ORDER BY ledger_id, start_date`, filter.LedgerID, status, filter.EndingBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) FindPeriodByDate(ctx context.Context, ledgerID int64, date time.Time) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM revenue_periods
WHERE ledger_id=$1 AND $2::date BETWEEN start_date AND end_date ORDER BY start_date DESC LIMIT 1 FOR SHARE`, ledgerID, date))
}

func (r *txRepository) PeriodRangeConflict(ctx context.Context, ledgerID int64, from, to time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revenue_periods
WHERE ledger_id=$1 AND daterange(start_date, end_date, '[]') && daterange($2::date, $3::date, '[]'))`, ledgerID, from, to).Scan(&exists)
	return exists, err
}

func (r *txRepository) UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE revenue_periods
SET status=$2, closed_at = CASE WHEN $2 = 'OPEN' THEN NULL ELSE COALESCE(closed_at, $3) END
WHERE id=$1`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *txRepository) Reconciliation(ctx context.Context, window ActivityWindow) ([]ReconciliationRow, error) {
	rows, err := r.tx.Query(ctx, `WITH active AS (
    SELECT contract_id FROM revenue_recognitions WHERE schedule_date BETWEEN $2 AND $3
    UNION
    SELECT contract_id FROM revenue_source_events
    WHERE contract_id IS NOT NULL AND processing_status='PROCESSED' AND event_date BETWEEN $2 AND $3
), recognized AS (
    SELECT contract_id, SUM(amount) AS amount FROM revenue_recognitions
    WHERE status='POSTED' AND account_type='REVENUE' AND schedule_date <= $3
    GROUP BY contract_id
), invoiced AS (
    SELECT contract_id, SUM(amount) AS amount FROM revenue_source_events
    WHERE event_type='INVOICE' AND processing_status='PROCESSED' AND contract_id IS NOT NULL AND event_date <= $3
    GROUP BY contract_id
)
SELECT c.id, c.contract_number, COALESCE(rec.amount, 0), COALESCE(inv.amount, 0)
FROM revenue_contracts c
JOIN active a ON a.contract_id = c.id
LEFT JOIN recognized rec ON rec.contract_id = c.id
LEFT JOIN invoiced inv ON inv.contract_id = c.id
WHERE c.ledger_id = $1
ORDER BY c.id`, window.LedgerID, window.From, window.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReconciliationRow
	for rows.Next() {
		var row ReconciliationRow
		if err := rows.Scan(&row.ContractID, &row.ContractNumber, &row.Recognized, &row.Invoiced); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *txRepository) MonthlyPostedRevenue(ctx context.Context, filter MonthlyFilter) ([]MonthlyAmount, error) {
	rows, err := r.tx.Query(ctx, `SELECT date_trunc('month', r.schedule_date)::date AS month, SUM(r.amount)
FROM revenue_recognitions r
JOIN revenue_contracts c ON c.id = r.contract_id
WHERE r.status='POSTED' AND r.account_type='REVENUE'
  AND r.schedule_date >= $1 AND r.schedule_date <= $2
  AND ($3::bigint IS NULL OR r.contract_id = $3)
  AND ($4::bigint IS NULL OR c.ledger_id = $4)
GROUP BY 1
ORDER BY 1`, filter.From, filter.To, filter.ContractID, filter.LedgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MonthlyAmount
	for rows.Next() {
		var m MonthlyAmount
		if err := rows.Scan(&m.Month, &m.Amount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
