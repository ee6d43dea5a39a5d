// Package historian archives analog point values into a raw tier and two
// rollup tiers (30 s and 5 min) and answers trend queries against them.
package historian

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/metric"
	"github.com/eddielth/scada-core/point"
)

var log = logger.Named("historian")

// Tier names, used as metric labels and in trend steps.
const (
	TierRaw = "raw"
	Tier30s = "30s"
	Tier5m  = "5m"
)

const (
	width30s = int64(30 * time.Second / time.Millisecond)
	width5m  = int64(5 * time.Minute / time.Millisecond)
)

var tables = map[string]string{
	TierRaw: "samples_raw",
	Tier30s: "samples_30s",
	Tier5m:  "samples_5m",
}

// Sample quality codes.
const (
	QualityGood     = 0
	QualityOverride = 1
	QualityOther    = 2
)

// Historian owns the archive database.
type Historian struct {
	db      *sql.DB
	d       dialect
	filter  *Filter
	metrics *metric.Metrics

	maxRows   int
	retention config.RetentionConfig

	// rollup watermarks in ms, guarded by mu
	mu      sync.Mutex
	mark30s int64
	mark5m  int64
}

// Open connects to the configured backend and ensures the schema exists.
func Open(cfg config.HistorianConfig, m *metric.Metrics) (*Historian, error) {
	db, d, err := open(DatabaseType(cfg.Type), cfg.DSN)
	if err != nil {
		return nil, errs.New(errs.KindUnavailable, "historian", "Open", err)
	}

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &Historian{
		db:        db,
		d:         d,
		filter:    NewFilter(cfg.MinPeriod, cfg.Deadband),
		metrics:   m,
		maxRows:   maxRows,
		retention: cfg.Retention,
	}, nil
}

// Filter exposes the sampling filter so its parameters can be reloaded.
func (h *Historian) Filter() *Filter {
	return h.filter
}

// Close closes the database.
func (h *Historian) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("failed to close historian database: %w", err)
	}
	log.Info("Historian database closed")
	return nil
}

func quality(p *point.Point) int {
	switch {
	case p.MO || p.Quality == point.QualityOverride:
		return QualityOverride
	case p.Quality == "" || p.Quality == point.QualityGood:
		return QualityGood
	default:
		return QualityOther
	}
}

// Sample archives the AI points that pass the filter at now and returns the
// number of rows written.
func (h *Historian) Sample(ctx context.Context, points []point.Point, now time.Time) (int, error) {
	if h == nil {
		return 0, errs.New(errs.KindUnavailable, "historian", "Sample", errs.ErrHistorianDown)
	}

	type row struct {
		key     string
		value   float64
		quality int
	}
	var rows []row
	for i := range points {
		p := &points[i]
		if !p.IsAnalogInput() {
			continue
		}
		key := p.Key().HistorianKey()
		if !h.filter.ShouldLog(key, p.Value, now) {
			continue
		}
		rows = append(rows, row{key: key, value: p.Value, quality: quality(p)})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Transient("historian", "Sample", fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, h.d.rebind("INSERT INTO samples_raw (point, ts, value, quality) VALUES (?, ?, ?, ?)"))
	if err != nil {
		return 0, errs.Transient("historian", "Sample", fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	ts := now.UnixMilli()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.key, ts, r.value, r.quality); err != nil {
			return 0, errs.Transient("historian", "Sample", fmt.Errorf("insert %s: %w", r.key, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Transient("historian", "Sample", fmt.Errorf("commit: %w", err))
	}

	h.metrics.SamplesStored(len(rows))
	log.Debug("Archived %d samples", len(rows))
	return len(rows), nil
}

// TrendQuery selects one point over a time range. Zero From/To default to the
// last hour. Step is "", "raw", "30s" or "5m"; Agg picks the rollup column
// (avg, min or max).
type TrendQuery struct {
	Point string
	From  time.Time
	To    time.Time
	Agg   string
	Step  string
}

// Entry is one trend sample.
type Entry struct {
	TS    int64   `json:"ts"`
	Value float64 `json:"value"`
}

// Trend is a trend query result.
type Trend struct {
	Point   string  `json:"point"`
	From    int64   `json:"from"`
	To      int64   `json:"to"`
	Agg     string  `json:"agg"`
	Step    string  `json:"step,omitempty"`
	Count   int     `json:"count"`
	Entries []Entry `json:"entries"`
}

// Trend returns up to max_rows samples in ascending time order.
func (h *Historian) Trend(ctx context.Context, q TrendQuery, now time.Time) (*Trend, error) {
	if h == nil {
		return nil, errs.New(errs.KindUnavailable, "historian", "Trend", errs.ErrHistorianDown)
	}
	if q.Point == "" {
		return nil, errs.Invalid("historian", "Trend", "point required")
	}
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		q.From = now.Add(-time.Hour)
	}

	var query, agg string
	switch q.Step {
	case "", TierRaw:
		agg = q.Agg
		if agg == "" {
			agg = TierRaw
		}
		query = "SELECT ts, value FROM samples_raw WHERE point = ? AND ts BETWEEN ? AND ? ORDER BY ts ASC LIMIT ?"
	case Tier30s, Tier5m:
		agg = q.Agg
		column := "avg"
		switch agg {
		case "min", "max":
			column = agg
		default:
			agg = "avg"
		}
		query = fmt.Sprintf("SELECT ts, %s FROM %s WHERE point = ? AND ts BETWEEN ? AND ? ORDER BY ts ASC LIMIT ?",
			column, tables[q.Step])
	default:
		return nil, errs.Invalid("historian", "Trend", "unknown step %q", q.Step)
	}

	from, to := q.From.UnixMilli(), q.To.UnixMilli()
	rows, err := h.db.QueryContext(ctx, h.d.rebind(query), q.Point, from, to, h.maxRows)
	if err != nil {
		return nil, errs.Transient("historian", "Trend", fmt.Errorf("query %s: %w", q.Point, err))
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TS, &e.Value); err != nil {
			return nil, errs.Transient("historian", "Trend", fmt.Errorf("scan: %w", err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("historian", "Trend", err)
	}

	return &Trend{
		Point:   q.Point,
		From:    from,
		To:      to,
		Agg:     agg,
		Step:    q.Step,
		Count:   len(entries),
		Entries: entries,
	}, nil
}

// RetentionInfo describes the tier ceilings for display.
type RetentionInfo struct {
	Raw   string `json:"raw"`
	Short string `json:"short"`
	Long  string `json:"long"`
}

// History lists the archived points.
type History struct {
	Source    string        `json:"source"`
	Points    []string      `json:"points"`
	Retention RetentionInfo `json:"retention"`
	Now       int64         `json:"now"`
}

// History returns the distinct point keys across all tiers.
func (h *Historian) History(ctx context.Context, source string, now time.Time) (*History, error) {
	if h == nil {
		return nil, errs.New(errs.KindUnavailable, "historian", "History", errs.ErrHistorianDown)
	}
	if source == "" {
		source = "scada"
	}

	seen := make(map[string]struct{})
	for _, tier := range []string{TierRaw, Tier30s, Tier5m} {
		if err := h.distinctPoints(ctx, tables[tier], seen); err != nil {
			return nil, errs.Transient("historian", "History", err)
		}
	}
	points := make([]string, 0, len(seen))
	for p := range seen {
		points = append(points, p)
	}
	sort.Strings(points)

	return &History{
		Source: source,
		Points: points,
		Retention: RetentionInfo{
			Raw:   humanDuration(h.retention.Raw),
			Short: humanDuration(h.retention.Short) + " (30s)",
			Long:  humanDuration(h.retention.Long) + " (5m)",
		},
		Now: now.UnixMilli(),
	}, nil
}

func (h *Historian) distinctPoints(ctx context.Context, table string, into map[string]struct{}) error {
	rows, err := h.db.QueryContext(ctx, "SELECT DISTINCT point FROM "+table)
	if err != nil {
		return fmt.Errorf("list points in %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if p != "" {
			into[p] = struct{}{}
		}
	}
	return rows.Err()
}

// humanDuration prints whole days from two days up, otherwise hours.
func humanDuration(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d >= 2*day && d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	return d.String()
}
