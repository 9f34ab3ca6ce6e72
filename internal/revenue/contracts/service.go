package contracts

import (
	"context"
	"log/slog"
)

// Detail is the full state of a contract: obligations, schedule and version history.
type Detail struct {
	Contract     Contract      `json:"contract"`
	Obligations  []Obligation  `json:"obligations"`
	Recognitions []Recognition `json:"recognitions"`
	Versions     []Version     `json:"versions"`
}

// Service exposes read access to contracts.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService constructs a read service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// GetContract loads a contract with its obligations, schedule rows and version snapshots.
func (s *Service) GetContract(ctx context.Context, id int64) (Detail, error) {
	var out Detail
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetContract(ctx, id)
		if err != nil {
			return err
		}
		out.Contract = c
		if out.Obligations, err = tx.ListObligations(ctx, id); err != nil {
			return err
		}
		if out.Recognitions, err = tx.ListRecognitions(ctx, id); err != nil {
			return err
		}
		out.Versions, err = tx.ListVersions(ctx, id)
		return err
	})
	if err != nil {
		return Detail{}, err
	}
	if out.Obligations == nil {
		out.Obligations = []Obligation{}
	}
	if out.Recognitions == nil {
		out.Recognitions = []Recognition{}
	}
	if out.Versions == nil {
		out.Versions = []Version{}
	}
	return out, nil
}

// ListContracts returns contracts matching filter, newest first.
func (s *Service) ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	var out []Contract
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListContracts(ctx, filter)
		return err
	})
	return out, err
}

// ListLedgerIDs returns every ledger carrying contracts.
func (s *Service) ListLedgerIDs(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListLedgerIDs(ctx)
		return err
	})
	return out, err
}
