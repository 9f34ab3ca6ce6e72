package ssp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/platform/cache"
)

// RepositoryPort abstracts catalog persistence.
type RepositoryPort interface {
	InsertBook(ctx context.Context, in CreateBookInput) (Book, error)
	GetBook(ctx context.Context, id int64) (Book, error)
	InsertLine(ctx context.Context, in AddLineInput) (Line, error)
	ListLines(ctx context.Context, bookID int64) ([]Line, error)
	FindCandidates(ctx context.Context, itemID string, bookID *int64) ([]Candidate, error)
}

// Service maintains the catalog and resolves SSPs.
type Service struct {
	repo         RepositoryPort
	cache        *cache.Versioned
	defaultValue decimal.Decimal
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs the catalog service. defaultValue is returned for items without a price line.
func NewService(repo RepositoryPort, c *cache.Versioned, defaultValue decimal.Decimal, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: c, defaultValue: defaultValue, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateBook validates and stores a new price book.
func (s *Service) CreateBook(ctx context.Context, in CreateBookInput) (Book, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Status == "" {
		in.Status = BookStatusActive
	}
	if err := in.Validate(); err != nil {
		return Book{}, err
	}
	book, err := s.repo.InsertBook(ctx, in)
	if err != nil {
		return Book{}, err
	}
	s.invalidate(ctx)
	return book, nil
}

// AddLine validates and stores a price line on an active book.
func (s *Service) AddLine(ctx context.Context, in AddLineInput) (Line, error) {
	in.ItemID = strings.TrimSpace(in.ItemID)
	if err := in.Validate(); err != nil {
		return Line{}, err
	}
	book, err := s.repo.GetBook(ctx, in.BookID)
	if err != nil {
		return Line{}, err
	}
	if book.Status != BookStatusActive {
		return Line{}, ErrBookInactive
	}
	line, err := s.repo.InsertLine(ctx, in)
	if err != nil {
		return Line{}, err
	}
	s.invalidate(ctx)
	return line, nil
}

// ListLines returns the lines of a book.
func (s *Service) ListLines(ctx context.Context, bookID int64) ([]Line, error) {
	if _, err := s.repo.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	return s.repo.ListLines(ctx, bookID)
}

// GetSSP resolves the standalone selling price for an item. Absence is not an error: the configured
// default is returned with Found=false and callers should treat it as a data-quality signal.
func (s *Service) GetSSP(ctx context.Context, q Query) (Lookup, error) {
	if q.AsOf.IsZero() {
		q.AsOf = s.now()
	}
	if strings.TrimSpace(q.ItemID) == "" {
		return Lookup{Value: s.defaultValue}, nil
	}
	key, err := s.cache.BuildKey(ctx, lookupKey(q)...)
	if err != nil {
		s.logger.Warn("ssp cache key", slog.Any("error", err))
		return s.resolve(ctx, q)
	}
	var out Lookup
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return s.resolve(ctx, q)
	})
	if err != nil {
		return Lookup{}, fmt.Errorf("ssp: lookup %s: %w", q.ItemID, err)
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, q Query) (Lookup, error) {
	candidates, err := s.repo.FindCandidates(ctx, q.ItemID, q.BookID)
	if err != nil {
		return Lookup{}, err
	}
	best, ok := SelectLine(candidates, q.Quantity, q.AsOf)
	if !ok {
		return Lookup{Value: s.defaultValue}, nil
	}
	return Lookup{Value: best.Line.SSPValue, Found: true, BookID: best.Book.ID, LineID: best.Line.ID}, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("ssp cache bump", slog.Any("error", err))
	}
}

func lookupKey(q Query) []string {
	book := "any"
	if q.BookID != nil {
		book = fmt.Sprintf("%d", *q.BookID)
	}
	return []string{"item", q.ItemID, "book", book, "qty", q.Quantity.String(), "asof", q.AsOf.UTC().Format("2006-01-02")}
}
