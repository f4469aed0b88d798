package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/manifest_syncer/internal/storage"
	"github.com/italolelis/manifest_syncer/internal/telemetry"
)

// InstrumentedRunRepository wraps RunRepository with telemetry.
type InstrumentedRunRepository struct {
	repo      *RunRepository
	telemetry *telemetry.Telemetry
}

var _ storage.RunRepository = (*InstrumentedRunRepository)(nil)

// NewInstrumentedRunRepository creates a new instrumented run repository.
func NewInstrumentedRunRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRunRepository {
	return &InstrumentedRunRepository{
		repo:      NewRunRepository(dbConn),
		telemetry: tel,
	}
}

// SaveRun stores a run with telemetry.
func (r *InstrumentedRunRepository) SaveRun(ctx context.Context, run *storage.RunRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_run", func(ctx context.Context) error {
		return r.repo.SaveRun(ctx, run)
	})
}

// ListRuns lists recent runs with telemetry.
func (r *InstrumentedRunRepository) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	var result []storage.RunRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_runs", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListRuns(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetRun retrieves a run and its failures with telemetry.
func (r *InstrumentedRunRepository) GetRun(ctx context.Context, runID string) (*storage.RunRecord, error) {
	var result *storage.RunRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_run", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetRun(ctx, runID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
