package ssp

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists price books and lines in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertBook creates a price book.
func (r *Repository) InsertBook(ctx context.Context, in CreateBookInput) (Book, error) {
	b := Book{Name: in.Name, Currency: in.Currency, EffectiveFrom: in.EffectiveFrom, Status: in.Status}
	err := r.pool.QueryRow(ctx, `INSERT INTO ssp_books (name, currency, effective_from, status)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`, in.Name, in.Currency, in.EffectiveFrom, in.Status).
		Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return Book{}, fmt.Errorf("ssp: insert book: %w", err)
	}
	return b, nil
}

// GetBook loads a price book.
func (r *Repository) GetBook(ctx context.Context, id int64) (Book, error) {
	var b Book
	err := r.pool.QueryRow(ctx, `SELECT id, name, currency, effective_from, status, created_at FROM ssp_books WHERE id=$1`, id).
		Scan(&b.ID, &b.Name, &b.Currency, &b.EffectiveFrom, &b.Status, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Book{}, ErrBookNotFound
		}
		return Book{}, err
	}
	return b, nil
}

// InsertLine adds a price line to a book.
func (r *Repository) InsertLine(ctx context.Context, in AddLineInput) (Line, error) {
	l := Line{BookID: in.BookID, ItemID: in.ItemID, SSPValue: in.SSPValue, MinQuantity: in.MinQuantity}
	err := r.pool.QueryRow(ctx, `INSERT INTO ssp_lines (book_id, item_id, ssp_value, min_quantity)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`, in.BookID, in.ItemID, in.SSPValue, in.MinQuantity).
		Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return Line{}, fmt.Errorf("ssp: insert line: %w", err)
	}
	return l, nil
}

// ListLines returns every line of a book.
func (r *Repository) ListLines(ctx context.Context, bookID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, book_id, item_id, ssp_value, min_quantity, created_at
FROM ssp_lines WHERE book_id=$1 ORDER BY item_id, min_quantity`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.BookID, &l.ItemID, &l.SSPValue, &l.MinQuantity, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// FindCandidates returns the lines for an item joined with their books, optionally limited to one book.
func (r *Repository) FindCandidates(ctx context.Context, itemID string, bookID *int64) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, l.book_id, l.item_id, l.ssp_value, l.min_quantity, l.created_at,
       b.id, b.name, b.currency, b.effective_from, b.status, b.created_at
FROM ssp_lines l
JOIN ssp_books b ON b.id = l.book_id
WHERE l.item_id = $1 AND ($2::bigint IS NULL OR l.book_id = $2)`, itemID, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Line.ID, &c.Line.BookID, &c.Line.ItemID, &c.Line.SSPValue, &c.Line.MinQuantity, &c.Line.CreatedAt,
			&c.Book.ID, &c.Book.Name, &c.Book.Currency, &c.Book.EffectiveFrom, &c.Book.Status, &c.Book.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
