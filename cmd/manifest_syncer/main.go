package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/manifest_syncer/internal/config"
	"github.com/italolelis/manifest_syncer/internal/downloader"
	"github.com/italolelis/manifest_syncer/internal/http/rest"
	"github.com/italolelis/manifest_syncer/internal/launcher"
	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/manifest"
	"github.com/italolelis/manifest_syncer/internal/notifier"
	"github.com/italolelis/manifest_syncer/internal/storage/sqlite"
	"github.com/italolelis/manifest_syncer/internal/syncer"
	"github.com/italolelis/manifest_syncer/internal/telemetry"
	"github.com/italolelis/manifest_syncer/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const version = "1.0.0"

// progressLogStep is how many percent of a file pass between progress logs.
const progressLogStep = 10

var errEntriesFailed = errors.New("some files could not be synced")

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("manifest syncer starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Resolve Sync Target
	probePrivileges(ctx, cfg.PrivilegeProbeDir)

	targetDir, err := resolveTargetDir(ctx, cfg)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	runs := sqlite.NewInstrumentedRunRepository(database, tel)

	// =========================================================================
	// Start Orchestrator
	source := manifest.NewInstrumentedSource(
		manifest.NewFetcher(cfg.ManifestURL, cfg.UserAgent, manifest.NewHTTPClient(cfg.ManifestTimeout, cfg.ManifestToken)),
		tel,
	)

	// The event channels are never closed: a run triggered over the API may
	// still be sending when run returns.
	dl := downloader.NewDownloader(downloader.NewHTTPClient(cfg.UserAgent, cfg.DownloadTimeout), tel)

	go logProgress(ctx, dl.OnProgress)

	orchestrator := syncer.NewOrchestrator(source, dl, runs, tel, cfg.MaxParallel, cfg.MaxRetries)

	notif := buildNotifier(cfg)

	if cfg.RunOnce {
		return runOnce(ctx, orchestrator, notif, targetDir)
	}

	// =========================================================================
	// Start Notification
	setupNotification(ctx, orchestrator, notif)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orchestrator, runs, tel, targetDir, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for sync interval...",
		"target_dir", targetDir,
		"manifest_url", cfg.ManifestURL,
		"update_interval", cfg.UpdateInterval.String(),
	)

	syncAndLog(ctx, orchestrator, targetDir)

	// =========================================================================
	// Start Main Loop
	ticker := time.NewTicker(cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		case <-ticker.C:
			syncAndLog(ctx, orchestrator, targetDir)
		}
	}
}

func runOnce(ctx context.Context, orchestrator *syncer.Orchestrator, notif notifier.Notifier, targetDir string) error {
	report, err := orchestrator.SyncAll(ctx, targetDir)

	// sent inline so the process does not exit before it is delivered
	if last, ok := orchestrator.LastResult(); ok {
		notify(context.WithoutCancel(ctx), notif, last)
	}

	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	logReport(ctx, report)

	if report.Failed > 0 {
		return errEntriesFailed
	}

	return nil
}

func syncAndLog(ctx context.Context, orchestrator *syncer.Orchestrator, targetDir string) {
	report, err := orchestrator.SyncAll(ctx, targetDir)
	if err != nil {
		if errors.Is(err, syncer.ErrRunInProgress) {
			logctx.LoggerFromContext(ctx).Warn("previous sync still running, skipping this tick")

			return
		}

		logctx.LoggerFromContext(ctx).Error("sync failed", "err", err)

		return
	}

	logReport(ctx, report)
}

func logReport(ctx context.Context, report *transfer.Report) {
	logger := logctx.LoggerFromContext(ctx)

	for _, o := range report.FailedOutcomes() {
		logger.Warn("file not synced", "file_path", o.Entry.RelativePath, "reason", o.Reason, "attempts", o.Attempts)
	}

	logger.Info("sync summary",
		"run_id", report.RunID,
		"updated", report.Succeeded,
		"up_to_date", report.Skipped,
		"failed", report.Failed,
		"downloaded", humanize.Bytes(uint64(report.BytesDownloaded())),
		"duration", report.Duration().String(),
	)
}

// resolveTargetDir prefers the configured directory and falls back to the
// launcher's install path.
func resolveTargetDir(ctx context.Context, cfg *config.Config) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.TargetDir != "" {
		return cfg.TargetDir, nil
	}

	dir, err := launcher.Discover(cfg.LauncherConfigPath)
	if err != nil {
		logger.Warn("could not read the launcher config", "err", err)

		return "", fmt.Errorf("TARGET_DIR is not set and no launcher install path was found: %w", err)
	}

	logger.Info("using the launcher install path as sync target", "target_dir", dir)

	return dir, nil
}

// probePrivileges checks a directory unrelated to the sync target that needs
// elevated rights. A failure is only reported.
func probePrivileges(ctx context.Context, dir string) {
	if dir == "" {
		return
	}

	if err := syncer.CheckWritable(dir); err != nil {
		logctx.LoggerFromContext(ctx).Warn("privilege probe failed, consider running with elevated rights", "dir", dir, "err", err)
	}
}

// logProgress logs each file's progress every progressLogStep percent until ctx
// is done. events is never closed.
func logProgress(ctx context.Context, events <-chan transfer.Progress) {
	logger := logctx.LoggerFromContext(ctx)
	lastStep := make(map[string]int)

	for {
		var p transfer.Progress

		select {
		case <-ctx.Done():
			return
		case p = <-events:
		}

		percent, known := p.Percent()
		if !known {
			logger.Debug("download progress", "file_path", p.RelativePath, "downloaded", humanize.Bytes(uint64(p.DownloadedBytes)))

			continue
		}

		step := percent / progressLogStep
		if last, ok := lastStep[p.RelativePath]; ok && step <= last {
			continue
		}

		lastStep[p.RelativePath] = step

		logger.Info("download progress", "file_path", p.RelativePath, "percent", percent)

		if percent >= 100 {
			delete(lastStep, p.RelativePath)
		}
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

func setupNotification(ctx context.Context, orchestrator *syncer.Orchestrator, notif notifier.Notifier) {
	go func() {
		for result := range orchestrator.OnRunFinished {
			notify(ctx, notif, result)
		}
	}()
}

func notify(ctx context.Context, notif notifier.Notifier, result syncer.RunResult) {
	if notif == nil {
		return
	}

	if err := notif.Notify(ctx, notifier.FormatReport(result.Report, result.Err)); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "run_id", result.Report.RunID, "err", err)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	orchestrator *syncer.Orchestrator,
	runs *sqlite.InstrumentedRunRepository,
	tel *telemetry.Telemetry,
	targetDir string,
	cfg *config.Config,
) *http.Server {
	h := rest.NewSyncHandler(ctx, orchestrator, runs, targetDir, cfg.Web.Username, cfg.Web.Password, tel)

	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "control_api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
