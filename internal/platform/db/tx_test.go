package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})
	serial := &pgconn.PgError{Code: CodeSerializationFailure}

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsRetryable(unique))
	assert.True(t, IsRetryable(serial))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}
