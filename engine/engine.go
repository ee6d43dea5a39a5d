// Package engine is the single owner of point, alarm and event mutation. It
// merges the controller image into the point store on a fixed tick and
// serves the operator actions (write, override, thresholds, acknowledge).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/eddielth/scada-core/alarm"
	"github.com/eddielth/scada-core/controller"
	"github.com/eddielth/scada-core/event"
	"github.com/eddielth/scada-core/hub"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/metric"
	"github.com/eddielth/scada-core/point"
)

var log = logger.Named("engine")

// Publisher receives the broadcast state after every mutation.
type Publisher interface {
	Seed(s hub.Snapshot)
	Publish(s hub.Snapshot) (uint64, bool)
}

// Deps are the collaborators of the engine. Hub and Metrics may be nil.
type Deps struct {
	Store   *point.Store
	Feed    controller.Feed
	Alarms  *alarm.Book
	Events  *event.Log
	Hub     Publisher
	Metrics *metric.Metrics
}

// Options tune the engine.
type Options struct {
	// User is the operator name prefixed to command, override, ack and
	// setting events.
	User string
	// System is the subsystem used when neither the point nor the
	// definition document names one.
	System string
	Now    func() time.Time
}

// Engine serializes every mutation of the point, alarm and event tables.
type Engine struct {
	mu      sync.Mutex
	store   *point.Store
	feed    controller.Feed
	alarms  *alarm.Book
	events  *event.Log
	regions *alarm.RegionTable
	pub     Publisher
	metrics *metric.Metrics

	// digital points to evaluate on their next merge even if unchanged
	recheck map[point.Key]struct{}

	user    string
	system  string
	now     func() time.Time
	failing bool
}

// New creates an engine. Call Prime before the first tick.
func New(d Deps, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.User == "" {
		opts.User = "TC"
	}
	system := d.Store.System()
	if system == "" {
		system = opts.System
	}
	return &Engine{
		store:   d.Store,
		feed:    d.Feed,
		alarms:  d.Alarms,
		events:  d.Events,
		regions: alarm.NewRegionTable(),
		recheck: make(map[point.Key]struct{}),
		pub:     d.Hub,
		metrics: d.Metrics,
		user:    opts.User,
		system:  system,
		now:     opts.Now,
	}
}

// Prime records the current region of every analog point whose alarm state
// the book already reflects, so a restart does not re-announce it. Points in
// an abnormal region without a matching active alarm stay unprimed and are
// announced on the first tick; points back in range whose alarm is still
// Active are marked unresolved so the first tick clears it. Digital points
// whose book entry disagrees with their state are rechecked on the first
// tick. The hub is seeded with the full state.
func (e *Engine) Prime() {
	e.mu.Lock()
	defer e.mu.Unlock()

	primed, stale := 0, 0
	for _, p := range e.store.Analog() {
		r := alarm.Classify(&p)
		a, ok := e.alarms.Get(p.Location(), p.Tag)
		active := ok && a.State == alarm.Active
		switch {
		case r == alarm.Normal && active:
			e.regions.Prime(p.Key(), alarm.Unresolved)
			stale++
			continue
		case r != alarm.Normal && (!active || a.Crit != r.Severity()):
			continue
		}
		e.regions.Prime(p.Key(), r)
		primed++
	}

	for _, p := range e.store.Snapshot() {
		if p.IsAnalogInput() || !p.AlarmManaged() {
			continue
		}
		_, crit := p.DigitalState(p.Value)
		a, ok := e.alarms.Get(p.Location(), p.Tag)
		active := ok && a.State == alarm.Active
		if (active && a.Crit != crit) || (!active && crit > 0) {
			e.recheck[p.Key()] = struct{}{}
			stale++
		}
	}
	e.metrics.SetActiveAlarms(e.alarms.ActiveCount())

	if e.pub != nil {
		e.pub.Seed(hub.Snapshot{
			hub.Points: e.pointItems(),
			hub.Alarms: e.alarmItems(e.alarms.List()),
			hub.Events: e.eventItems(),
		})
	}
	log.Info("Primed %d analog regions, %d points, %d alarms, %d to recheck", primed, e.store.Len(), len(e.alarms.List()), stale)
}

// Run reconciles every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Sync loop started, interval %v", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("Sync loop stopped")
			return nil
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}

// Reconcile merges the controller image into the store once. A missing or
// unreadable image skips the tick and is returned.
func (e *Engine) Reconcile(ctx context.Context) error {
	start := e.now()
	img, err := e.feed.Load(ctx)
	if err != nil {
		e.metrics.TickFailed()
		e.mu.Lock()
		if !e.failing {
			log.Warn("Controller image unavailable, skipping ticks: %v", err)
		} else {
			log.Debug("Tick skipped: %v", err)
		}
		e.failing = true
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failing {
		log.Info("Controller image available again")
		e.failing = false
	}

	b := &batch{ts: start.Format(point.TimeLayout)}
	for i := range img.Points {
		e.merge(b, &img.Points[i])
	}
	e.commit(b)

	e.metrics.ObserveTick(e.now().Sub(start), b.changes)
	return nil
}

// merge applies one controller point. Values follow the controller unless
// the point is overridden; thresholds always do.
func (e *Engine) merge(b *batch, cp *point.Point) {
	key := cp.Key()
	valueChanged := false
	modified, err := e.store.Update(key, func(p *point.Point) bool {
		mod := false
		if !p.MO {
			q := cp.Quality
			if q == "" {
				q = point.QualityGood
			}
			if p.Value != cp.Value || p.Quality != q {
				valueChanged = p.Value != cp.Value
				p.Value = cp.Value
				p.Quality = q
				p.TS = cp.TS
				if p.TS == "" {
					p.TS = b.ts
				}
				mod = true
			}
		}
		if p.Limits.Merge(cp.Limits) {
			mod = true
		}
		if cp.Direction != "" && cp.Direction != p.Direction {
			p.Direction = cp.Direction
			mod = true
		}
		return mod
	})
	if err != nil {
		// controller-only point, not defined here
		return
	}
	if modified {
		b.points = true
		b.changes++
	}

	p, _ := e.store.Get(key)
	if p.IsAnalogInput() {
		e.evaluateAnalog(b, &p)
		return
	}
	_, recheck := e.recheck[key]
	delete(e.recheck, key)
	if !valueChanged {
		if recheck {
			e.evaluateDigital(b, &p)
		}
		return
	}
	e.evaluateDigital(b, &p)
	if p.SignalType != point.DO {
		state, crit := p.DigitalState(p.Value)
		e.record(b, event.FromPoint(&p, e.system, event.Status, state, crit, p.TS))
	}
}

// evaluateAnalog runs the threshold ladder; only a region transition
// touches the alarm book and the event log.
func (e *Engine) evaluateAnalog(b *batch, p *point.Point) {
	r := alarm.Classify(p)
	prev, changed := e.regions.Transition(p.Key(), r)
	if !changed {
		return
	}
	ts := p.TS
	if ts == "" {
		ts = b.ts
	}
	cond := r.Condition(p, ts)
	log.Debug("[%s] %s region %s -> %s", p.Location(), p.Tag, prev, r)

	b.alarm(e.alarms.Upsert(p, cond))
	e.record(b, event.FromPoint(p, e.system, event.AI, cond.Status, cond.Crit, ts))
}

func (e *Engine) evaluateDigital(b *batch, p *point.Point) {
	if !p.AlarmManaged() {
		return
	}
	ts := p.TS
	if ts == "" {
		ts = b.ts
	}
	b.alarm(e.alarms.Upsert(p, alarm.DigitalCondition(p, ts)))
}

func (e *Engine) evaluate(b *batch, p *point.Point) {
	if p.IsAnalogInput() {
		e.evaluateAnalog(b, p)
		return
	}
	e.evaluateDigital(b, p)
}

func (e *Engine) record(b *batch, r event.Record) event.Record {
	r = e.events.Append(r)
	e.metrics.EventLogged(string(r.Type))
	b.events = true
	return r
}

// Stats is a point-in-time summary for health and metrics endpoints.
type Stats struct {
	Points       int `json:"points"`
	Alarms       int `json:"alarms"`
	ActiveAlarms int `json:"activeAlarms"`
	Events       int `json:"events"`
}

// Stats summarizes the tables.
func (e *Engine) Stats() Stats {
	return Stats{
		Points:       e.store.Len(),
		Alarms:       len(e.alarms.List()),
		ActiveAlarms: e.alarms.ActiveCount(),
		Events:       e.events.Len(),
	}
}
