package historian

import (
	"math"
	"sync"
	"time"
)

// Filter admits samples under a minimum period and a relative deadband.
type Filter struct {
	mu        sync.Mutex
	minPeriod time.Duration
	deadband  float64
	last      map[string]accepted
}

type accepted struct {
	ts    time.Time
	value float64
}

// NewFilter creates a filter; deadband is a fraction (0.001 = 0.1 %).
func NewFilter(minPeriod time.Duration, deadband float64) *Filter {
	return &Filter{
		minPeriod: minPeriod,
		deadband:  deadband,
		last:      make(map[string]accepted),
	}
}

// SetParams changes the thresholds; the accepted history is kept.
func (f *Filter) SetParams(minPeriod time.Duration, deadband float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minPeriod = minPeriod
	f.deadband = deadband
}

// ShouldLog reports whether value for key is archived at now. The first
// sample always is; later ones need minPeriod to have elapsed and a change of
// at least deadband × max(|last|, 1). Non-finite values never are.
func (f *Filter) ShouldLog(key string, value float64, now time.Time) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	last, ok := f.last[key]
	if !ok {
		f.last[key] = accepted{ts: now, value: value}
		return true
	}
	if now.Sub(last.ts) < f.minPeriod {
		return false
	}
	dv := math.Abs(value - last.value)
	floor := math.Max(math.Abs(last.value), 1)
	if dv >= floor*f.deadband {
		f.last[key] = accepted{ts: now, value: value}
		return true
	}
	return false
}
