package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/manifest_syncer/internal/storage"
)

const timeLayout = time.RFC3339Nano

type RunRepository struct {
	db *sql.DB
}

var _ storage.RunRepository = (*RunRepository)(nil)

func NewRunRepository(dbConn *sql.DB) *RunRepository {
	return &RunRepository{db: dbConn}
}

// SaveRun stores the run and its failed entries in one transaction.
func (r *RunRepository) SaveRun(ctx context.Context, run *storage.RunRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, instance_id, target_dir, started_at, finished_at, status,
			skipped, succeeded, failed, bytes_downloaded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.InstanceID, run.TargetDir,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout), run.Status,
		run.Skipped, run.Succeeded, run.Failed, run.BytesDownloaded, nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, f := range run.Failures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_failures (run_id, file_path, url, reason, attempts) VALUES (?, ?, ?, ?, ?)`,
			run.RunID, f.FilePath, f.URL, f.Reason, f.Attempts,
		); err != nil {
			return fmt.Errorf("failed to insert run failure: %w", err)
		}
	}

	return tx.Commit()
}

func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, instance_id, target_dir, started_at, finished_at, status,
			skipped, succeeded, failed, bytes_downloaded, error
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []storage.RunRecord

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

func (r *RunRepository) GetRun(ctx context.Context, runID string) (*storage.RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, instance_id, target_dir, started_at, finished_at, status,
			skipped, succeeded, failed, bytes_downloaded, error
		FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRunNotFound
	}

	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT file_path, url, reason, attempts FROM run_failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var f storage.FailedEntryRecord
		if err := rows.Scan(&f.FilePath, &f.URL, &f.Reason, &f.Attempts); err != nil {
			return nil, err
		}

		run.Failures = append(run.Failures, f)
	}

	return run, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.RunRecord, error) {
	var (
		run                 storage.RunRecord
		instanceID, errText sql.NullString
		startedAt, finished string
	)

	err := s.Scan(
		&run.RunID, &instanceID, &run.TargetDir, &startedAt, &finished, &run.Status,
		&run.Skipped, &run.Succeeded, &run.Failed, &run.BytesDownloaded, &errText,
	)
	if err != nil {
		return nil, err
	}

	run.InstanceID = instanceID.String
	run.Error = errText.String

	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at for run %s: %w", run.RunID, err)
	}

	if run.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return nil, fmt.Errorf("invalid finished_at for run %s: %w", run.RunID, err)
	}

	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
