package engine

import (
	"github.com/eddielth/scada-core/alarm"
	"github.com/eddielth/scada-core/hub"
)

// batch collects what one mutation touched.
type batch struct {
	ts      string
	points  bool
	alarms  bool
	events  bool
	changes int
	retired []alarm.Alarm
}

func (b *batch) alarm(out alarm.Outcome) {
	if out.Changed {
		b.alarms = true
	}
	if out.Retired != nil {
		b.retired = append(b.retired, *out.Retired)
	}
}

// commit persists the touched tables and publishes them. Persistence
// failures are logged; the in-memory tables stay authoritative.
func (e *Engine) commit(b *batch) {
	if b.points {
		if err := e.store.Save(); err != nil {
			log.Error("Failed to save point definitions: %v", err)
		}
	}
	if b.alarms {
		if err := e.alarms.Save(); err != nil {
			log.Error("Failed to save alarms: %v", err)
		}
		e.metrics.SetActiveAlarms(e.alarms.ActiveCount())
	}
	if b.events {
		if err := e.events.Save(); err != nil {
			log.Error("Failed to save events: %v", err)
		}
	}
	e.publish(b)
}

// publish sends the touched collections to the hub. Alarms retired in this
// batch first go out once more in their final Cleared, acknowledged form so
// viewers see the transition before the removal.
func (e *Engine) publish(b *batch) {
	if e.pub == nil {
		return
	}
	if len(b.retired) > 0 {
		final := append(e.alarms.List(), b.retired...)
		e.pub.Publish(hub.Snapshot{hub.Alarms: e.alarmItems(final)})
	}

	s := hub.Snapshot{}
	if b.points {
		s[hub.Points] = e.pointItems()
	}
	if b.alarms {
		s[hub.Alarms] = e.alarmItems(e.alarms.List())
	}
	if b.events {
		s[hub.Events] = e.eventItems()
	}
	if len(s) > 0 {
		e.pub.Publish(s)
	}
}

func (e *Engine) pointItems() []hub.Item {
	points := e.store.Snapshot()
	items := make([]hub.Item, 0, len(points))
	for i := range points {
		p := &points[i]
		it, err := hub.NewItem(p.Key().String(), hub.SystemScope(p.Location()), p)
		if err != nil {
			log.Error("Failed to encode point %s: %v", p.Key(), err)
			continue
		}
		items = append(items, it)
	}
	return items
}

func (e *Engine) alarmItems(alarms []alarm.Alarm) []hub.Item {
	items := make([]hub.Item, 0, len(alarms))
	for i := range alarms {
		a := &alarms[i]
		it, err := hub.NewItem(a.ID(), hub.ScopeAlarms, a)
		if err != nil {
			log.Error("Failed to encode alarm %s: %v", a.ID(), err)
			continue
		}
		items = append(items, it)
	}
	return items
}

func (e *Engine) eventItems() []hub.Item {
	records := e.events.List()
	items := make([]hub.Item, 0, len(records))
	for i := range records {
		r := &records[i]
		it, err := hub.NewItem(r.ID, hub.ScopeEvents, r)
		if err != nil {
			log.Error("Failed to encode event %s: %v", r.ID, err)
			continue
		}
		items = append(items, it)
	}
	return items
}
