package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/eddielth/scada-core/engine"
	"github.com/eddielth/scada-core/errs"
)

// metricsLogSize bounds the sample log; at one scrape per second it covers
// fifteen minutes.
const metricsLogSize = 900

// runtimeSample is one reading served by /api/metrics.
type runtimeSample struct {
	Timestamp     int64        `json:"timestamp"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Goroutines    int          `json:"goroutines"`
	HeapAlloc     uint64       `json:"heapAlloc"`
	Engine        engine.Stats `json:"engine"`
	Clients       int          `json:"clients"`
	Cursor        uint64       `json:"cursor"`
	LoggedAt      string       `json:"loggedAt,omitempty"`
}

// sampleLog keeps the most recent samples in a fixed ring.
type sampleLog struct {
	mu      sync.Mutex
	entries [metricsLogSize]runtimeSample
	next    int
	n       int
}

func (l *sampleLog) add(s runtimeSample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = s
	l.next = (l.next + 1) % metricsLogSize
	if l.n < metricsLogSize {
		l.n++
	}
}

// since returns the samples taken at or after cutoff (unix millis), oldest
// first.
func (l *sampleLog) since(cutoff int64) []runtimeSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]runtimeSample, 0, l.n)
	start := (l.next - l.n + metricsLogSize) % metricsLogSize
	for i := 0; i < l.n; i++ {
		s := l.entries[(start+i)%metricsLogSize]
		if s.Timestamp >= cutoff {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) sample() runtimeSample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := s.now()
	rs := runtimeSample{
		Timestamp:     now.UnixMilli(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     mem.HeapAlloc,
		Engine:        s.engine.Stats(),
	}
	if s.hub != nil {
		rs.Clients = s.hub.Clients()
		rs.Cursor = s.hub.Cursor()
	}
	return rs
}

func (s *Server) handleRuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	rs := s.sample()
	logged := rs
	logged.LoggedAt = time.UnixMilli(rs.Timestamp).Format(time.RFC3339)
	s.samples.add(logged)
	writeJSON(w, http.StatusOK, rs)
}

// samplesInRange reads the range query ("15m", "1h"); empty or "all" means
// the whole log.
func (s *Server) samplesInRange(r *http.Request, op string) ([]runtimeSample, error) {
	cutoff := int64(0)
	switch rng := r.URL.Query().Get("range"); rng {
	case "", "all":
	default:
		d, err := time.ParseDuration(rng)
		if err != nil || d <= 0 {
			return nil, errs.Invalid("api", op, "invalid range %q", rng)
		}
		cutoff = s.now().Add(-d).UnixMilli()
	}
	return s.samples.since(cutoff), nil
}

func (s *Server) handleMetricsLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.samplesInRange(r, "metrics_log")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleMetricsExport(w http.ResponseWriter, r *http.Request) {
	if format := r.URL.Query().Get("format"); format != "" && format != "csv" {
		writeError(w, errs.Invalid("api", "metrics_export", "unsupported format %q, only csv", format))
		return
	}
	entries, err := s.samplesInRange(r, "metrics_export")
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="metrics_log.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"timestamp", "goroutines", "heapMB", "wsClients", "cursor", "activeAlarms"})
	for _, e := range entries {
		_ = cw.Write([]string{
			e.LoggedAt,
			strconv.Itoa(e.Goroutines),
			strconv.FormatFloat(float64(e.HeapAlloc)/(1<<20), 'f', 2, 64),
			strconv.Itoa(e.Clients),
			strconv.FormatUint(e.Cursor, 10),
			strconv.Itoa(e.Engine.ActiveAlarms),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Error("Failed to write metrics export: %v", err)
	}
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Project   string `json:"project"`
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
	Revision  string `json:"revision,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
}

func readBuildInfo(version string) BuildInfo {
	if version == "" {
		version = "dev"
	}
	bi := BuildInfo{
		Project:   "scada-core",
		Version:   version,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}
	for _, kv := range info.Settings {
		switch kv.Key {
		case "vcs.revision":
			bi.Revision = kv.Value
		case "vcs.time":
			bi.BuildTime = kv.Value
		}
	}
	return bi
}

func (s *Server) handleBuildInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.build)
}
