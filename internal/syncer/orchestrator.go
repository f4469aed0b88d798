package syncer

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/italolelis/manifest_syncer/internal/cleanup"
	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/storage"
	"github.com/italolelis/manifest_syncer/internal/telemetry"
	"github.com/italolelis/manifest_syncer/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryInterval = time.Second
	runFinishedBuffer    = 8
)

var ErrRunInProgress = errors.New("a sync run is already active for this target")

// EntryDownloader brings a single manifest entry up to date.
type EntryDownloader interface {
	Download(ctx context.Context, localRoot string, entry *transfer.Entry) *transfer.Outcome
}

// RunResult is published once per run, whether it completed or was aborted.
type RunResult struct {
	Report *transfer.Report
	Err    error
}

// Orchestrator runs whole sync passes: it checks the target, fetches the
// manifest and processes every entry, never letting one entry's failure stop
// the others.
type Orchestrator struct {
	source      transfer.ManifestSource
	downloader  EntryDownloader
	repo        storage.RunWriteRepository
	telemetry   *telemetry.Telemetry
	maxParallel int
	maxRetries  int

	retryInterval time.Duration

	mu     sync.Mutex
	active map[string]struct{}
	last   *RunResult

	// OnRunFinished receives every finished run. Sends never block, so results
	// are dropped when nobody keeps up.
	OnRunFinished chan RunResult
}

// NewOrchestrator returns an orchestrator that processes at most maxParallel
// entries at a time and retries a failed entry up to maxRetries times. repo may
// be nil to disable run history.
func NewOrchestrator(
	source transfer.ManifestSource,
	downloader EntryDownloader,
	repo storage.RunWriteRepository,
	tel *telemetry.Telemetry,
	maxParallel int,
	maxRetries int,
) *Orchestrator {
	if maxParallel < 1 {
		maxParallel = 1
	}

	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Orchestrator{
		source:        source,
		downloader:    downloader,
		repo:          repo,
		telemetry:     tel,
		maxParallel:   maxParallel,
		maxRetries:    maxRetries,
		retryInterval: defaultRetryInterval,
		active:        make(map[string]struct{}),
		OnRunFinished: make(chan RunResult, runFinishedBuffer),
	}
}

// Active reports whether a run for localRoot is in progress in this process.
func (o *Orchestrator) Active(localRoot string) bool {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.active[root]

	return ok
}

// LastResult returns the most recently finished run, if any.
func (o *Orchestrator) LastResult() (RunResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.last == nil {
		return RunResult{}, false
	}

	return *o.last, true
}

// SyncAll brings localRoot in line with the manifest.
//
// A PermissionError is returned before the manifest is fetched and a manifest
// error before any file is touched; in both cases the report is nil. Entry
// failures never produce an error, they are listed in the report. When ctx is
// cancelled mid-run the partial report is returned along with the cause.
func (o *Orchestrator) SyncAll(ctx context.Context, localRoot string) (*transfer.Report, error) {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, &transfer.IOError{Operation: "resolve_root", Path: localRoot, Err: err}
	}

	release, err := o.acquire(root)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.NewString()
	logger := logctx.LoggerFromContext(ctx).With("target_dir", root)
	ctx = logctx.WithLogger(logctx.WithRunID(ctx, runID), logger)

	report := &transfer.Report{RunID: runID, Root: root, StartedAt: time.Now()}

	logger.InfoContext(ctx, "sync run started")

	var fetched bool

	err = o.telemetry.InstrumentSyncRun(ctx, func(ctx context.Context) error {
		return o.run(ctx, root, report, &fetched)
	})

	report.FinishedAt = time.Now()
	o.finish(ctx, report, err)

	if err != nil && !fetched {
		return nil, err
	}

	return report, err
}

func (o *Orchestrator) acquire(root string) (func(), error) {
	o.mu.Lock()
	if _, ok := o.active[root]; ok {
		o.mu.Unlock()

		return nil, ErrRunInProgress
	}

	o.active[root] = struct{}{}
	o.mu.Unlock()

	lock, err := lockTarget(root)
	if err != nil {
		o.mu.Lock()
		delete(o.active, root)
		o.mu.Unlock()

		return nil, err
	}

	return func() {
		_ = lock.Unlock()

		o.mu.Lock()
		delete(o.active, root)
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, root string, report *transfer.Report, fetched *bool) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := CheckWritable(root); err != nil {
		logger.ErrorContext(ctx, "sync target is not writable", "err", err)

		return err
	}

	entries, err := o.source.FetchManifest(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to fetch manifest", "err", err)

		return err
	}

	*fetched = true

	logger.InfoContext(ctx, "manifest fetched", "entries", len(entries))

	// nothing below root is touched until the manifest is known to be good
	if removed, err := cleanup.RemoveStalePartials(ctx, root); err != nil {
		logger.WarnContext(ctx, "failed to clean up partial downloads", "err", err)
	} else if removed > 0 {
		logger.InfoContext(ctx, "removed partial downloads of an interrupted run", "count", removed)
	}

	outcomes := make([]*transfer.Outcome, len(entries))

	var g errgroup.Group

	g.SetLimit(o.maxParallel)

	for i, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			outcomes[i] = o.process(ctx, root, entry)

			return nil
		})
	}

	_ = g.Wait()

	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}

		report.Add(outcome)
		o.telemetry.RecordEntry(outcome.Status.String())
	}

	return context.Cause(ctx)
}

// process downloads entry, retrying failures that may be transient.
func (o *Orchestrator) process(ctx context.Context, root string, entry *transfer.Entry) *transfer.Outcome {
	if o.maxRetries == 0 {
		outcome := o.downloader.Download(ctx, root, entry)
		outcome.Attempts = 1

		return outcome
	}

	logger := logctx.LoggerFromContext(ctx).With("file_path", entry.RelativePath)

	var (
		last     *transfer.Outcome
		attempts int
	)

	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		last = o.downloader.Download(ctx, root, entry)

		if last.Status != transfer.OutcomeFailed {
			return struct{}{}, nil
		}

		if !retryable(ctx, last.Err) {
			return struct{}{}, backoff.Permanent(last.Err)
		}

		logger.WarnContext(ctx, "entry failed, will retry", "attempt", attempts, "err", last.Err)

		return struct{}{}, last.Err
	}, backoff.WithBackOff(o.newBackOff()), backoff.WithMaxTries(uint(o.maxRetries+1)))

	if last == nil {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.Canceled
		}

		last = transfer.Failed(entry, cause)
	}

	last.Attempts = attempts

	return last
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInterval

	return b
}

// retryable reports whether another attempt could succeed. Rejected paths and
// client errors will fail the same way every time.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var ioErr *transfer.IOError
	if errors.As(err, &ioErr) && ioErr.Operation == "resolve_path" {
		return false
	}

	var netErr *transfer.NetworkError
	if errors.As(err, &netErr) &&
		netErr.StatusCode >= http.StatusBadRequest && netErr.StatusCode < http.StatusInternalServerError &&
		netErr.StatusCode != http.StatusTooManyRequests && netErr.StatusCode != http.StatusRequestTimeout {
		return false
	}

	return true
}

func (o *Orchestrator) finish(ctx context.Context, report *transfer.Report, err error) {
	logger := logctx.LoggerFromContext(ctx)
	result := RunResult{Report: report, Err: err}

	if err != nil {
		logger.ErrorContext(ctx, "sync run aborted", "err", err, "duration", report.Duration().String())
	} else {
		logger.InfoContext(ctx, "sync run finished",
			"skipped", report.Skipped,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"duration", report.Duration().String(),
		)
	}

	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()

	if o.repo != nil {
		if saveErr := o.repo.SaveRun(context.WithoutCancel(ctx), NewRunRecord(report, err)); saveErr != nil {
			logger.ErrorContext(ctx, "failed to save run history", "err", saveErr)
		}
	}

	select {
	case o.OnRunFinished <- result:
	default:
		logger.DebugContext(ctx, "run result dropped, no listener ready")
	}
}

// NewRunRecord converts a finished run into its history record.
func NewRunRecord(report *transfer.Report, err error) *storage.RunRecord {
	rec := &storage.RunRecord{
		RunID:           report.RunID,
		InstanceID:      storage.InstanceID(),
		TargetDir:       report.Root,
		StartedAt:       report.StartedAt,
		FinishedAt:      report.FinishedAt,
		Status:          storage.RunStatusCompleted,
		Skipped:         report.Skipped,
		Succeeded:       report.Succeeded,
		Failed:          report.Failed,
		BytesDownloaded: report.BytesDownloaded(),
	}

	switch {
	case err != nil:
		rec.Status = storage.RunStatusAborted
		rec.Error = err.Error()
	case report.Failed > 0:
		rec.Status = storage.RunStatusWithFailures
	}

	for _, o := range report.FailedOutcomes() {
		rec.Failures = append(rec.Failures, storage.FailedEntryRecord{
			FilePath: o.Entry.RelativePath,
			URL:      o.Entry.DownloadURL,
			Reason:   o.Reason,
			Attempts: o.Attempts,
		})
	}

	return rec
}
