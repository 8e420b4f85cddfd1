// Package api serves the run ledger over HTTP and accepts new runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/ptfusion/internal/config"
	"github.com/banshee-data/ptfusion/internal/fusion"
	"github.com/banshee-data/ptfusion/internal/httputil"
	"github.com/banshee-data/ptfusion/internal/pipeline"
	"github.com/banshee-data/ptfusion/internal/security"
	"github.com/banshee-data/ptfusion/internal/storage/sqlite"
	"github.com/banshee-data/ptfusion/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxRequestBody = 1 << 20

// RunStore is the ledger the server reads and records runs in.
type RunStore interface {
	Insert(ctx context.Context, run *sqlite.Run) error
	Get(ctx context.Context, runID string) (*sqlite.Run, error)
	List(ctx context.Context, f sqlite.RunFilter) ([]*sqlite.Run, error)
	Delete(ctx context.Context, runID string) error
}

// Server exposes the run ledger and run submission over HTTP.
type Server struct {
	store   RunStore
	cfg     *config.FusionConfig
	dataDir string
}

// NewServer creates a Server. Runs submitted over HTTP start from cfg and
// may only name files below dataDir; an empty dataDir disables submission.
func NewServer(store RunStore, cfg *config.FusionConfig, dataDir string) *Server {
	return &Server{store: store, cfg: cfg, dataDir: dataDir}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration to logger.
func LoggingMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.submitRun)
	mux.HandleFunc("GET /api/runs/{id}", s.showRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/version", s.showVersion)
	return mux
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sqlite.RunFilter{Kind: q.Get("kind"), Status: q.Get("status")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	runs, err := s.store.List(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*sqlite.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), run.RunID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlite.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"config":  s.cfg,
		"kinds":   fusion.Kinds(),
		"submit":  s.dataDir != "",
		"options": s.cfg.Options(),
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// RunRequest is the body of POST /api/runs. Paths are relative to the
// server's data directory. Config fields override the server's config.
type RunRequest struct {
	Input     string               `json:"input"`
	Points    string               `json:"points,omitempty"`
	Output    string               `json:"output"`
	PCDOutput string               `json:"pcd_output,omitempty"`
	Config    *config.FusionConfig `json:"config,omitempty"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.dataDir == "" {
		httputil.WriteJSONError(w, http.StatusForbidden, "run submission is disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(body) > maxRequestBody {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Input == "" || req.Output == "" {
		httputil.BadRequest(w, "input and output are required")
		return
	}

	preq := pipeline.Request{}
	for _, p := range []struct {
		rel string
		dst *string
	}{
		{req.Input, &preq.Input},
		{req.Points, &preq.Points},
		{req.Output, &preq.Output},
		{req.PCDOutput, &preq.PCDOutput},
	} {
		if p.rel == "" {
			continue
		}
		abs, err := security.ResolveWithin(s.dataDir, p.rel)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		*p.dst = abs
	}

	cfg := config.EmptyFusionConfig()
	cfg.Merge(s.cfg)
	if req.Config != nil {
		// Weights always come from the server's config.
		req.Config.Weights = nil
		req.Config.WeightPrefix = nil
		cfg.Merge(req.Config)
	}
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runner, err := pipeline.New(cfg, pipeline.WithLedger(s.store))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	res, err := runner.Run(r.Context(), preq)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res.Run)
}
