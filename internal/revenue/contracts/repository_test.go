package contracts

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestRepositoryLockingUnitOfWorkReadsCommittedRows(t *testing.T) {
	repo := NewRepository(nil)
	require.Equal(t, pgx.RepeatableRead, repo.iso)
	require.Equal(t, pgx.ReadCommitted, repo.lockingIso)
}

func TestRepositoryWithoutPoolRejectsUnitsOfWork(t *testing.T) {
	repo := NewRepository(nil)
	require.Error(t, repo.WithTx(t.Context(), nil))
	require.Error(t, repo.WithLockingTx(t.Context(), nil))
}
