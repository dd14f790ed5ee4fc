// Package api provides the administrative HTTP trigger for sync passes.
//
// Routes:
//
//	POST /sync     run a pass: {"kinds": [...], "deadline": "30s"} → {"success", "report"}
//	GET  /status   ledger counts per kind and the last report
//	GET  /healthz  liveness
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/njoerd114/rowsync/internal/model"
	"github.com/njoerd114/rowsync/internal/sync"
)

// maxBodySize caps the POST /sync request body.
const maxBodySize = 64 << 10

// Syncer runs sync passes. Implemented by [sync.Engine].
type Syncer interface {
	RunOnce(ctx context.Context, ro sync.RunOptions) (*model.Report, error)
	LastReport() *model.Report
}

// StatusSource reports how many records the ledger tracks per kind.
// Implemented by [ledger.Store].
type StatusSource interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// SyncRequest is the POST /sync body. Both fields are optional.
type SyncRequest struct {
	Kinds    []string `json:"kinds"`
	Deadline string   `json:"deadline"`
}

// SyncResponse is the POST /sync result. Success is true when the pass
// completed its scan; individual failures are listed in the report.
type SyncResponse struct {
	Success bool          `json:"success"`
	Report  *model.Report `json:"report,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// StatusResponse is the GET /status result.
type StatusResponse struct {
	Tracked    map[string]int `json:"tracked"`
	LastReport *model.Report  `json:"last_report"`
}

type routes struct {
	syncer Syncer
	status StatusSource
	log    *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(s Syncer, st StatusSource, logger *slog.Logger) http.Handler {
	rt := &routes{syncer: s, status: st, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", rt.healthz)
	r.Get("/status", rt.getStatus)
	r.Post("/sync", rt.postSync)
	return r
}

func (rt *routes) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *routes) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := rt.status.Counts(r.Context())
	if err != nil {
		rt.log.Error("reading ledger counts", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Tracked: counts, LastReport: rt.syncer.LastReport()})
}

func (rt *routes) postSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var deadline time.Duration
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid deadline %q: must be a positive duration", req.Deadline))
			return
		}
		deadline = d
	}

	report, err := rt.syncer.RunOnce(r.Context(), sync.RunOptions{Kinds: req.Kinds, Deadline: deadline})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SyncResponse{Success: true, Report: report})
	case errors.Is(err, sync.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sync.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		rt.log.Error("sync pass failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, SyncResponse{Success: false, Report: report, Error: err.Error()})
	}
}

// loggingMiddleware logs each request at debug level.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, SyncResponse{Success: false, Error: message})
}

// Serve runs an HTTP server for h on addr until ctx is cancelled, then shuts
// it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP trigger listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("HTTP trigger stopped")
	return <-errCh
}
