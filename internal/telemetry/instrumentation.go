package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: operation names, components and
// statuses only. Paths, URLs and run ids belong in the logs, which carry the
// trace_id for correlation.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentManifestFetch instruments a manifest fetch. fn reports the number
// of entries it received.
func (t *Telemetry) InstrumentManifestFetch(ctx context.Context, fn func(ctx context.Context) (int, error)) error {
	var entries int

	err := t.InstrumentOperation(ctx, "manifest_fetch", "manifest", func(ctx context.Context) error {
		var err error
		entries, err = fn(ctx)

		return err
	})

	t.RecordManifestFetch(statusOf(err), entries)

	return err
}

// InstrumentDownload instruments a single file download. fn reports the
// number of bytes it wrote.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn func(ctx context.Context) (int64, error)) error {
	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	var written int64

	err := t.InstrumentOperation(ctx, "download", "downloader", func(ctx context.Context) error {
		var err error
		written, err = fn(ctx)

		return err
	})

	t.RecordDownload(statusOf(err), written, time.Since(start))

	return err
}

// InstrumentSyncRun instruments a whole sync run.
func (t *Telemetry) InstrumentSyncRun(ctx context.Context, fn InstrumentedFunc) error {
	start := time.Now()

	t.IncrementActiveSyncRuns()
	defer t.DecrementActiveSyncRuns()

	err := t.InstrumentOperation(ctx, "sync_run", "syncer", fn)

	t.RecordSyncRun(statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
