package storage

import (
	"context"
	"errors"
	"time"
)

var ErrRunNotFound = errors.New("run not found")

// Run statuses as persisted in the history.
const (
	RunStatusCompleted    = "completed"
	RunStatusWithFailures = "completed_with_failures"
	RunStatusAborted      = "aborted"
)

// RunRecord represents one finished sync run.
type RunRecord struct {
	RunID           string              `json:"run_id"`
	InstanceID      string              `json:"instance_id"`
	TargetDir       string              `json:"target_dir"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
	Status          string              `json:"status"`
	Skipped         int                 `json:"skipped"`
	Succeeded       int                 `json:"succeeded"`
	Failed          int                 `json:"failed"`
	BytesDownloaded int64               `json:"bytes_downloaded"`
	Error           string              `json:"error,omitempty"`
	Failures        []FailedEntryRecord `json:"failures,omitempty"`
}

// FailedEntryRecord is a manifest entry that could not be brought up to date.
type FailedEntryRecord struct {
	FilePath string `json:"file_path"`
	URL      string `json:"url"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

type RunReadRepository interface {
	// ListRuns returns the most recent runs first, without their failures.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
}

type RunWriteRepository interface {
	SaveRun(ctx context.Context, run *RunRecord) error
}

type RunRepository interface {
	RunReadRepository
	RunWriteRepository
}
