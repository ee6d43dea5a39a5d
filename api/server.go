// Package api serves the REST endpoints and mounts the WebSocket hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/eddielth/scada-core/engine"
	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/historian"
	"github.com/eddielth/scada-core/hub"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/metric"
)

var log = logger.Named("api")

const maxBodySize = 1 << 20

// Deps are the services behind the endpoints. Historian, Hub and Metrics may
// be nil; their endpoints then answer 503 or are not mounted. Version is
// reported by /api/buildinfo.
type Deps struct {
	Engine    *engine.Engine
	Historian *historian.Historian
	Hub       *hub.Hub
	Metrics   *metric.Metrics
	Version   string
}

// Server routes HTTP requests.
type Server struct {
	engine    *engine.Engine
	historian *historian.Historian
	hub       *hub.Hub
	metrics   *metric.Metrics
	samples   *sampleLog
	build     BuildInfo
	started   time.Time
	now       func() time.Time
	mux       *http.ServeMux
}

// New creates the server and registers its routes.
func New(d Deps) *Server {
	s := &Server{
		engine:    d.Engine,
		historian: d.Historian,
		hub:       d.Hub,
		metrics:   d.Metrics,
		samples:   &sampleLog{},
		build:     readBuildInfo(d.Version),
		started:   time.Now(),
		now:       time.Now,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/ping", s.handlePing)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/metrics", s.handleRuntimeMetrics)
	s.mux.HandleFunc("GET /api/metrics/log", s.handleMetricsLog)
	s.mux.HandleFunc("GET /api/metrics/export", s.handleMetricsExport)
	s.mux.HandleFunc("GET /api/buildinfo", s.handleBuildInfo)

	s.mux.HandleFunc("GET /api/read", s.handleRead)
	s.mux.HandleFunc("POST /api/write", s.handleWrite)
	s.mux.HandleFunc("POST /api/override", s.handleOverride)
	s.mux.HandleFunc("POST /api/ai_settings", s.handleAISettings)

	s.mux.HandleFunc("POST /api/plc_write", s.handlePLCWrite)
	s.mux.HandleFunc("GET /api/read_plc", s.handleReadPLC)
	s.mux.HandleFunc("POST /api/plc_touch", s.handlePLCTouch)

	s.mux.HandleFunc("GET /api/alarms", s.handleAlarms)
	s.mux.HandleFunc("POST /api/alarms/ack", s.handleAck)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/events/clear", s.handleClearEvents)

	s.mux.HandleFunc("GET /api/trend", s.handleTrend)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		s.mux.Handle("/ws", s.hub)
	}
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("HTTP server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the upgrader needs the raw writer to hijack the connection
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("%s %s %d %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response: %v", err)
	}
}

// writeError maps err to its status code. Server-side failures are logged
// and reported without internal detail.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error("Request failed: %v", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]interface{}{
		"error":  msg,
		"status": status,
	})
}

// decode reads a JSON body of at most maxBodySize bytes into v.
func decode(w http.ResponseWriter, r *http.Request, op string, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Invalid("api", op, "invalid JSON body: %v", err)
	}
	return nil
}
