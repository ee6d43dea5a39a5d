package engine

import (
	"context"
	"fmt"

	"github.com/eddielth/scada-core/alarm"
	"github.com/eddielth/scada-core/controller"
	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/event"
	"github.com/eddielth/scada-core/point"
)

func (e *Engine) stamp() string {
	return e.now().Format(point.TimeLayout)
}

func (e *Engine) operator(desc string) string {
	return fmt.Sprintf("(%s) %s", e.user, desc)
}

// controllerPoint looks key up in the current controller image.
func (e *Engine) controllerPoint(ctx context.Context, key point.Key) (*point.Point, bool) {
	img, err := e.feed.Load(ctx)
	if err != nil {
		log.Warn("Controller read for %s failed: %v", key, err)
		return nil, false
	}
	for i := range img.Points {
		if img.Points[i].Key() == key {
			return &img.Points[i], true
		}
	}
	return nil, false
}

// Override sets or clears the manual override of a point. Enabling stamps
// value (when given) with ManualOverride quality; clearing pulls the current
// controller value back in, or keeps the held value and quality when the
// controller cannot be read. Alarms are re-evaluated and a ManO event is
// always logged.
func (e *Engine) Override(ctx context.Context, loc, tag string, enabled bool, value *float64) (point.Point, error) {
	key := point.Key{Loc: loc, Tag: tag}
	if _, ok := e.store.Get(key); !ok {
		return point.Point{}, errs.NotFound("engine", "Override", errs.ErrPointNotFound, "%s", key)
	}

	var cp *point.Point
	if !enabled {
		cp, _ = e.controllerPoint(ctx, key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := &batch{ts: e.stamp(), points: true}
	_, err := e.store.Update(key, func(p *point.Point) bool {
		p.MO = enabled
		switch {
		case enabled:
			if value != nil {
				p.Value = *value
			}
			p.Quality = point.QualityOverride
			p.TS = b.ts
		case cp != nil:
			p.Value = cp.Value
			p.Quality = cp.Quality
			if p.Quality == "" {
				p.Quality = point.QualityGood
			}
			p.TS = cp.TS
			if p.TS == "" {
				p.TS = b.ts
			}
		}
		return true
	})
	if err != nil {
		return point.Point{}, err
	}

	p, _ := e.store.Get(key)
	e.evaluate(b, &p)

	action := "Manual Override CLEARED"
	if enabled {
		action = "Manual Override SET"
	}
	rec := event.FromPoint(&p, e.system, event.ManO, p.ValueText(), 0, b.ts)
	rec.Desc = e.operator(action + ": " + p.Description())
	v := p.Value
	rec.Value = &v
	e.record(b, rec)

	e.commit(b)
	log.Info("[%s] %s - %s (%s)", p.Location(), tag, action, p.ValueText())
	return p, nil
}

// WriteResult reports the outcome of Write.
type WriteResult struct {
	Tag     string  `json:"tag"`
	Value   float64 `json:"value"`
	Changed bool    `json:"changed"`
}

// Write sets a point value from an operator command. tag may be qualified
// as "LOC:Tag"; an unqualified tag resolves to the first match. Writing the
// current value is a no-op.
func (e *Engine) Write(ctx context.Context, tag string, value float64) (WriteResult, error) {
	loc, name := point.SplitQualified(tag)

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.store.Find(loc, name)
	if !ok {
		return WriteResult{}, errs.NotFound("engine", "Write", errs.ErrPointNotFound, "%s", tag)
	}
	if p.Value == value {
		return WriteResult{Tag: tag, Value: value}, nil
	}

	b := &batch{ts: e.stamp(), points: true, changes: 1}
	old := p.Value
	if _, err := e.store.Update(p.Key(), func(p *point.Point) bool {
		p.Value = value
		p.Quality = point.QualityGood
		if p.MO {
			p.Quality = point.QualityOverride
		}
		p.TS = b.ts
		return true
	}); err != nil {
		return WriteResult{}, err
	}
	p, _ = e.store.Get(p.Key())

	typ := event.Status
	desc := p.Description()
	if p.SignalType == point.DO {
		typ = event.Cmd
		desc = e.operator(desc)
	}
	state, crit := p.DigitalState(value)
	rec := event.FromPoint(&p, e.system, typ, state, crit, b.ts)
	rec.Desc = desc
	e.record(b, rec)
	e.evaluate(b, &p)

	e.commit(b)
	log.Info("[%s] write %s %s -> %s", p.Location(), tag, point.FormatValue(old), point.FormatValue(value))
	return WriteResult{Tag: tag, Value: value, Changed: true}, nil
}

// UpdateLimits replaces the six thresholds of an AI point. Unsupplied
// thresholds are disabled. The controller image is updated first so the
// controller follows the edit.
func (e *Engine) UpdateLimits(ctx context.Context, loc, tag string, limits point.Limits) (point.Point, error) {
	key := point.Key{Loc: loc, Tag: tag}
	p, ok := e.store.Get(key)
	if !ok {
		return point.Point{}, errs.NotFound("engine", "UpdateLimits", errs.ErrPointNotFound, "%s", key)
	}
	if !p.IsAnalogInput() {
		return point.Point{}, errs.New(errs.KindInvalid, "engine", "UpdateLimits", fmt.Errorf("%w: %s", errs.ErrNotAnalog, key))
	}

	full := limits.Complete()
	if lw, ok := e.feed.(controller.LimitWriter); ok {
		if err := lw.UpdateLimits(ctx, key, full); err != nil {
			return point.Point{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := &batch{ts: e.stamp()}
	changed, err := e.store.Update(key, func(p *point.Point) bool {
		return p.Limits.Merge(full)
	})
	if err != nil {
		return point.Point{}, err
	}
	b.points = changed
	p, _ = e.store.Get(key)

	rec := event.FromPoint(&p, e.system, event.Setting, "Successful", 0, b.ts)
	rec.Desc = e.operator(p.Description() + " AI setting update")
	e.record(b, rec)
	e.evaluateAnalog(b, &p)

	e.commit(b)
	log.Info("[%s] %s thresholds W=%s H=%s HH=%s WL=%s L=%s LL=%s", p.Location(), tag,
		p.Warn, p.High, p.HH, p.WarnLow, p.Low, p.LL)
	return p, nil
}

// ControllerImage returns the controller image as the feed holds it, without
// merging definitions or overrides.
func (e *Engine) ControllerImage(ctx context.Context) (*point.Document, error) {
	return e.feed.Load(ctx)
}

// ControllerWrite writes value straight into the controller image; the store
// follows on the next tick. tag may be qualified as "LOC:Tag". Switching a
// digital output on logs a Cmd event.
func (e *Engine) ControllerWrite(ctx context.Context, tag string, value float64) (point.Point, error) {
	vw, err := e.valueWriter("ControllerWrite")
	if err != nil {
		return point.Point{}, err
	}
	key, err := e.resolveController(ctx, "ControllerWrite", tag)
	if err != nil {
		return point.Point{}, err
	}

	ts := e.stamp()
	cp, err := vw.WriteValue(ctx, key, value, ts)
	if err != nil {
		return point.Point{}, err
	}
	log.Info("[%s] controller write %s -> %s", key.Loc, key.Tag, point.FormatValue(value))

	// definitions carry the texts the image may lack
	def := cp
	if p, ok := e.store.Get(key); ok {
		def = p
	}
	if def.SignalType != point.DO || value != 1 {
		return cp, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := &batch{ts: ts}
	rec := event.FromPoint(&def, e.system, event.Cmd, def.CommandState(value), 0, b.ts)
	rec.Desc = e.operator(def.Description())
	e.record(b, rec)
	e.commit(b)
	return cp, nil
}

// TouchController refreshes the timestamp of one point in the controller image.
func (e *Engine) TouchController(ctx context.Context, loc, tag string) (point.Point, error) {
	vw, err := e.valueWriter("TouchController")
	if err != nil {
		return point.Point{}, err
	}
	return vw.Touch(ctx, point.Key{Loc: loc, Tag: tag}, e.stamp())
}

func (e *Engine) valueWriter(op string) (controller.ValueWriter, error) {
	vw, ok := e.feed.(controller.ValueWriter)
	if !ok {
		return nil, errs.New(errs.KindUnavailable, "engine", op, fmt.Errorf("controller feed does not accept writes"))
	}
	return vw, nil
}

// resolveController finds tag in the controller image. An unqualified tag
// resolves to the first match.
func (e *Engine) resolveController(ctx context.Context, op, tag string) (point.Key, error) {
	loc, name := point.SplitQualified(tag)
	img, err := e.feed.Load(ctx)
	if err != nil {
		return point.Key{}, err
	}
	for _, p := range img.Points {
		if p.Tag == name && (loc == "" || p.Loc == loc) {
			return p.Key(), nil
		}
	}
	return point.Key{}, errs.NotFound("engine", op, errs.ErrPointNotFound, "%s", tag)
}

// Acknowledge acknowledges an alarm. Repeating it is a no-op; only the first
// acknowledgement logs an Ack event.
func (e *Engine) Acknowledge(ctx context.Context, loc, tag string) (alarm.AckResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.alarms.Acknowledge(loc, tag)
	if err != nil || res.Already {
		return res, err
	}

	a := res.Alarm
	state := a.Status
	if state == "" {
		state = string(a.State)
	}
	b := &batch{ts: e.stamp(), alarms: true}
	e.record(b, event.Record{
		TS:    b.ts,
		Loc:   a.Loc,
		Sys:   a.Sys,
		Label: a.Label,
		Tag:   a.Tag,
		Desc:  e.operator("ACK: " + a.Description),
		State: state,
		Type:  event.Ack,
		Ack:   true,
	})

	e.commit(b)
	return res, nil
}

// ClearEvents empties the event log.
func (e *Engine) ClearEvents(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events.Clear()
	e.commit(&batch{events: true})
	log.Info("Event log cleared")
}

// Read returns the merged point table: store points overlaid with the
// controller's quality, timestamp and thresholds, and its value unless the
// point is overridden. Controller-only points are appended.
func (e *Engine) Read(ctx context.Context) *point.Document {
	doc := e.store.Document()
	if doc.System == "" {
		doc.System = e.system
	}

	img, err := e.feed.Load(ctx)
	if err != nil {
		log.Debug("Read without controller image: %v", err)
		return doc
	}

	idx := make(map[point.Key]int, len(doc.Points))
	for i := range doc.Points {
		idx[doc.Points[i].Key()] = i
	}
	for _, cp := range img.Points {
		i, ok := idx[cp.Key()]
		if !ok {
			doc.Points = append(doc.Points, cp)
			continue
		}
		p := &doc.Points[i]
		if !p.MO {
			p.Value = cp.Value
		}
		if cp.Quality != "" {
			p.Quality = cp.Quality
		}
		if cp.TS != "" {
			p.TS = cp.TS
		}
		p.Limits.Merge(cp.Limits)
		if cp.Direction != "" {
			p.Direction = cp.Direction
		}
	}
	return doc
}

// Alarms lists the alarm book.
func (e *Engine) Alarms() []alarm.Alarm {
	return e.alarms.List()
}

// Events lists the event log, oldest first.
func (e *Engine) Events() []event.Record {
	return e.events.List()
}

// Points copies the store, for the historian.
func (e *Engine) Points() []point.Point {
	return e.store.Snapshot()
}
