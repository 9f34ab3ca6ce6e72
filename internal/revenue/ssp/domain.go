// Package ssp stores standalone selling price books and answers SSP lookups.
package ssp

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/shared"
)

// BookStatus enumerates price book states.
type BookStatus string

const (
	BookStatusActive   BookStatus = "ACTIVE"
	BookStatusInactive BookStatus = "INACTIVE"
)

// Book is an append-only price book.
type Book struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Currency      string     `json:"currency"`
	EffectiveFrom time.Time  `json:"effective_from"`
	Status        BookStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Line binds an item to its standalone selling price inside a book.
type Line struct {
	ID          int64           `json:"id"`
	BookID      int64           `json:"book_id"`
	ItemID      string          `json:"item_id"`
	SSPValue    decimal.Decimal `json:"ssp_value"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Candidate is a line joined with its book, as returned by the repository for selection.
type Candidate struct {
	Line Line
	Book Book
}

// CreateBookInput captures the fields of a new price book.
type CreateBookInput struct {
	Name          string     `validate:"required,max=200"`
	Currency      string     `validate:"required,len=3,alpha"`
	EffectiveFrom time.Time  `validate:"required"`
	Status        BookStatus `validate:"omitempty,oneof=ACTIVE INACTIVE"`
}

// AddLineInput captures the fields of a new price line.
type AddLineInput struct {
	BookID      int64  `validate:"required,gt=0"`
	ItemID      string `validate:"required,max=100"`
	SSPValue    decimal.Decimal
	MinQuantity decimal.Decimal
}

// Query identifies an SSP lookup. BookID narrows the search to one book; Quantity drives tiering.
type Query struct {
	ItemID   string
	BookID   *int64
	Quantity decimal.Decimal
	AsOf     time.Time
}

// Lookup is the resolved SSP. Found is false when the configured default was used.
type Lookup struct {
	Value  decimal.Decimal `json:"value"`
	Found  bool            `json:"found"`
	BookID int64           `json:"book_id,omitempty"`
	LineID int64           `json:"line_id,omitempty"`
}

var (
	// ErrBookNotFound indicates a missing price book.
	ErrBookNotFound = fmt.Errorf("ssp: book %w", shared.ErrNotFound)
	// ErrBookInactive indicates lines cannot be added to an inactive book.
	ErrBookInactive = fmt.Errorf("ssp: book inactive: %w", shared.ErrValidation)
)

var validate = validator.New()

// Validate checks the book input.
func (in CreateBookInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	return nil
}

// Validate checks the line input.
func (in AddLineInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	if in.SSPValue.IsNegative() {
		return fmt.Errorf("ssp: ssp value must be >= 0: %w", shared.ErrValidation)
	}
	if in.MinQuantity.IsNegative() {
		return fmt.Errorf("ssp: min quantity must be >= 0: %w", shared.ErrValidation)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("ssp: %s failed %s: %w", fe.Field(), fe.Tag(), shared.ErrValidation)
	}
	return fmt.Errorf("ssp: %v: %w", err, shared.ErrValidation)
}
