package alarm

import (
	"strings"
	"sync"

	"github.com/eddielth/scada-core/point"
)

// Region is the band of the analog value line a reading falls into.
type Region string

const (
	Normal  Region = "normal"
	Warn    Region = "warn"
	High    Region = "high"
	HH      Region = "hh"
	WarnLow Region = "warn_low"
	Low     Region = "low"
	LL      Region = "ll"

	// Unresolved marks a point whose recorded alarm disagrees with its
	// current reading; the next evaluation always reports a transition.
	Unresolved Region = "unresolved"
)

var regionLabels = map[Region]string{
	Warn:    "Warning (High)",
	High:    "High",
	HH:      "Very High",
	WarnLow: "Warning (Low)",
	Low:     "Low",
	LL:      "Very Low",
	Normal:  StatusNormal,
}

var regionSeverity = map[Region]int{
	Warn:    1,
	WarnLow: 1,
	High:    2,
	Low:     2,
	HH:      3,
	LL:      3,
}

// Label is the human-readable region name.
func (r Region) Label() string {
	if l, ok := regionLabels[r]; ok {
		return l
	}
	return string(r)
}

// Severity is the alarm criticality of the region, 0 for normal.
func (r Region) Severity() int {
	return regionSeverity[r]
}

// Classify places the point's value on its threshold ladder. The high side is
// checked first (hh, high, warn), then the low side (ll, low, warn_low); the
// first enabled threshold crossed wins.
func Classify(p *point.Point) Region {
	v := p.Value
	ladder := []struct {
		limit *point.Limit
		high  bool
		r     Region
	}{
		{p.HH, true, HH},
		{p.High, true, High},
		{p.Warn, true, Warn},
		{p.LL, false, LL},
		{p.Low, false, Low},
		{p.WarnLow, false, WarnLow},
	}
	for _, step := range ladder {
		t, ok := step.limit.Get()
		if !ok {
			continue
		}
		if (step.high && v >= t) || (!step.high && v <= t) {
			return step.r
		}
	}
	return Normal
}

// StatusText renders "<label>: <value>[ <unit>]", or "Normal".
func (r Region) StatusText(p *point.Point) string {
	if r == Normal {
		return StatusNormal
	}
	text := r.Label() + ": " + point.FormatValue(p.Value)
	if unit := strings.TrimSpace(p.Unit); unit != "" {
		text += " " + unit
	}
	return text
}

// Condition converts the region into an upsert condition.
func (r Region) Condition(p *point.Point, ts string) Condition {
	return Condition{Crit: r.Severity(), Status: r.StatusText(p), Time: ts}
}

// DigitalCondition looks the value up in the point's two-state table.
func DigitalCondition(p *point.Point, ts string) Condition {
	state, crit := p.DigitalState(p.Value)
	return Condition{Crit: crit, Status: state, Time: ts}
}

// RegionTable remembers the last actioned region per analog point. It lives
// beside the point table and is never persisted.
type RegionTable struct {
	mu      sync.Mutex
	regions map[point.Key]Region
}

// NewRegionTable creates an empty table.
func NewRegionTable() *RegionTable {
	return &RegionTable{regions: make(map[point.Key]Region)}
}

// Transition records r for key and reports whether it differs from the last
// recorded region (unknown points start at Normal).
func (t *RegionTable) Transition(key point.Key, r Region) (Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.regions[key]
	if !ok {
		prev = Normal
	}
	t.regions[key] = r
	return prev, prev != r
}

// Prime records r without reporting a transition.
func (t *RegionTable) Prime(key point.Key, r Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions[key] = r
}

// Get returns the recorded region.
func (t *RegionTable) Get(key point.Key) Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.regions[key]; ok {
		return r
	}
	return Normal
}
