package rules

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists rules in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a rule repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `id, name, attribute, value, priority, pob_name, satisfaction_method, duration_months, active, created_at`

func scanRule(row pgx.Row) (Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Name, &r.Attribute, &r.Value, &r.Priority, &r.POBName, &r.SatisfactionMethod,
		&r.DurationMonths, &r.Active, &r.CreatedAt)
	return r, err
}

// Insert stores a new active rule.
func (r *Repository) Insert(ctx context.Context, in CreateRuleInput) (Rule, error) {
	return scanRule(r.pool.QueryRow(ctx, `INSERT INTO revenue_pob_rules
(name, attribute, value, priority, pob_name, satisfaction_method, duration_months, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE) RETURNING `+ruleColumns,
		in.Name, in.Attribute, in.Value, in.Priority, in.POBName, in.SatisfactionMethod, in.DurationMonths))
}

// List returns every rule in evaluation order.
func (r *Repository) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM revenue_pob_rules ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
