package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/storage"
	"github.com/italolelis/manifest_syncer/internal/syncer"
	"github.com/italolelis/manifest_syncer/internal/telemetry"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// SyncRunner is the part of the orchestrator the API drives.
type SyncRunner interface {
	SyncAll(ctx context.Context, localRoot string) (*transfer.Report, error)
	Active(localRoot string) bool
	LastResult() (syncer.RunResult, bool)
}

type StatusResponse struct {
	TargetDir string             `json:"target_dir"`
	Active    bool               `json:"active"`
	LastRun   *storage.RunRecord `json:"last_run,omitempty"`
}

type TriggerResponse struct {
	TargetDir string `json:"target_dir"`
	Status    string `json:"status"`
}

type SyncHandler struct {
	// runCtx outlives the triggering request so a run started over the API is
	// only stopped by a shutdown.
	runCtx    context.Context
	runner    SyncRunner
	runs      storage.RunReadRepository
	targetDir string
	username  string
	password  string
	telemetry *telemetry.Telemetry
}

// NewSyncHandler creates the control API. When username is empty triggering a
// sync needs no credentials.
func NewSyncHandler(
	runCtx context.Context,
	runner SyncRunner,
	runs storage.RunReadRepository,
	targetDir string,
	username, password string,
	t *telemetry.Telemetry,
) *SyncHandler {
	return &SyncHandler{
		runCtx:    runCtx,
		runner:    runner,
		runs:      runs,
		targetDir: targetDir,
		username:  username,
		password:  password,
		telemetry: t,
	}
}

func (h *SyncHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/status", h.HandleStatus)
	r.Get("/runs", h.HandleListRuns)
	r.Get("/runs/{runID}", h.HandleGetRun)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	r.With(h.basicAuthMiddleware).Post("/sync", h.HandleTrigger)

	return r
}

func (h *SyncHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus reports whether a run is active and how the last one ended.
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		TargetDir: h.targetDir,
		Active:    h.runner.Active(h.targetDir),
	}

	if last, ok := h.runner.LastResult(); ok && last.Report != nil {
		resp.LastRun = syncer.NewRunRecord(last.Report, last.Err)
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleTrigger starts a run in the background. A run already in progress is
// reported as a conflict.
func (h *SyncHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.runner.Active(h.targetDir) {
		writeJSON(r.Context(), w, http.StatusConflict, TriggerResponse{TargetDir: h.targetDir, Status: "already_running"})

		return
	}

	ctx := logctx.WithLogger(h.runCtx, logger.With("trigger", "api", "request_id", logctx.RequestIDFromContext(r.Context())))

	go func() {
		if _, err := h.runner.SyncAll(ctx, h.targetDir); err != nil {
			if errors.Is(err, syncer.ErrRunInProgress) {
				logger.WarnContext(ctx, "sync trigger raced with another run")

				return
			}

			logger.ErrorContext(ctx, "triggered sync failed", "err", err)
		}
	}()

	writeJSON(r.Context(), w, http.StatusAccepted, TriggerResponse{TargetDir: h.targetDir, Status: "started"})
}

func (h *SyncHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultRunsLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}

		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list runs", "err", err)
		http.Error(w, "failed to list runs", http.StatusInternalServerError)

		return
	}

	if runs == nil {
		runs = []storage.RunRecord{}
	}

	writeJSON(r.Context(), w, http.StatusOK, runs)
}

func (h *SyncHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, storage.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)

		return
	}

	if err != nil {
		logger.Error("failed to get run", "err", err)
		http.Error(w, "failed to get run", http.StatusInternalServerError)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, run)
}

func (h *SyncHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="manifest_syncer"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
