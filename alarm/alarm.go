// Package alarm maintains the active alarm set and its
// Active/Cleared/Acknowledged lifecycle.
package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/point"
)

var log = logger.Named("alarm")

// State is the alarm lifecycle state.
type State string

const (
	Active  State = "Active"
	Cleared State = "Cleared"
)

// StatusNormal is the status text of a returned-to-normal condition.
const StatusNormal = "Normal"

// Alarm is one entry of the alarm list.
type Alarm struct {
	Tag         string `json:"tag"`
	Time        string `json:"time"`
	Loc         string `json:"loc"`
	Sys         string `json:"sys"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Crit        int    `json:"crit"`
	State       State  `json:"state"`
	Status      string `json:"status"`
	Ack         bool   `json:"ack"`
}

// Key identifies the alarm by (loc, tag).
func (a *Alarm) Key() point.Key {
	return point.Key{Loc: a.Loc, Tag: a.Tag}
}

// ID is the broadcast key, "<loc>::<tag>".
func (a *Alarm) ID() string {
	return ID(a.Loc, a.Tag)
}

// ID builds the broadcast key of an alarm.
func ID(loc, tag string) string {
	if loc == "" {
		loc = "-"
	}
	return loc + "::" + tag
}

// Condition is the outcome of evaluating a point: crit 0 means no alarm.
type Condition struct {
	Crit   int
	Status string
	Time   string
}

// Outcome reports what Upsert did.
type Outcome struct {
	Changed bool
	Raised  bool
	Cleared bool
	// Retired is the final frame of an alarm cleared while acknowledged; it
	// has already been removed from the book.
	Retired *Alarm
}

// Book is the alarm list, persisted as a flat JSON array.
type Book struct {
	mu     sync.RWMutex
	path   string
	system string
	alarms []*Alarm
}

// NewBook creates an empty book persisted at path (empty for memory only).
func NewBook(path, system string) *Book {
	return &Book{path: path, system: system}
}

// Load reads the alarm list; a missing file is an empty list.
func (b *Book) Load() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errs.Transient("alarm", "Load", err)
	}
	var list []*Alarm
	if err := json.Unmarshal(data, &list); err != nil {
		return errs.Transient("alarm", "Load", fmt.Errorf("%s: %w", b.path, err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.alarms = b.alarms[:0]
	for _, a := range list {
		// entries left Cleared and acked by an older writer are dropped
		if a.State == Cleared && a.Ack {
			continue
		}
		b.alarms = append(b.alarms, a)
	}
	return nil
}

// Save writes the list.
func (b *Book) Save() error {
	if b.path == "" {
		return nil
	}
	if err := point.WriteJSON(b.path, b.List()); err != nil {
		return errs.Transient("alarm", "Save", err)
	}
	return nil
}

// List copies the alarms in insertion order.
func (b *Book) List() []Alarm {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Alarm, len(b.alarms))
	for i, a := range b.alarms {
		out[i] = *a
	}
	return out
}

// Get returns a copy of the alarm for (loc, tag).
func (b *Book) Get(loc, tag string) (Alarm, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.find(loc, tag); i >= 0 {
		return *b.alarms[i], true
	}
	return Alarm{}, false
}

// ActiveCount counts alarms in the Active state.
func (b *Book) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, a := range b.alarms {
		if a.State == Active {
			n++
		}
	}
	return n
}

func (b *Book) find(loc, tag string) int {
	loc = orDash(loc)
	for i, a := range b.alarms {
		if a.Tag == tag && orDash(a.Loc) == loc {
			return i
		}
	}
	return -1
}

// Upsert applies a condition derived from p.
//
// crit > 0 raises or updates the alarm; a raise after Cleared, or a change of
// criticality while Active and acknowledged, clears the ack. crit 0 marks an
// existing alarm Cleared, and an alarm that was already acknowledged is
// removed and returned as Outcome.Retired.
func (b *Book) Upsert(p *point.Point, c Condition) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc := p.Location()
	i := b.find(loc, p.Tag)

	if c.Crit > 0 {
		if i >= 0 {
			a := b.alarms[i]
			before := *a
			if a.State == Cleared {
				a.Ack = false
			}
			if a.State == Active && a.Ack && a.Crit != c.Crit {
				log.Info("[%s] %s reactivated, criticality %d -> %d", loc, p.Tag, a.Crit, c.Crit)
				a.Ack = false
			}
			a.State = Active
			a.Crit = c.Crit
			a.Time = c.Time
			a.Description = p.Description()
			a.Status = c.Status
			raised := before.State != Active || before.Crit != c.Crit || before.Status != c.Status
			if raised {
				log.Info("raised [%s] %s - %s (%s)", loc, p.Tag, a.Description, a.Status)
			}
			return Outcome{Changed: before != *a, Raised: raised}
		}
		b.alarms = append(b.alarms, &Alarm{
			Tag:         p.Tag,
			Time:        c.Time,
			Loc:         loc,
			Sys:         p.System(b.system),
			Label:       p.DisplayLabel(),
			Description: p.Description(),
			Crit:        c.Crit,
			State:       Active,
			Status:      c.Status,
		})
		log.Info("raised [%s] %s - %s (%s)", loc, p.Tag, p.Description(), c.Status)
		return Outcome{Changed: true, Raised: true}
	}

	if i < 0 {
		return Outcome{}
	}

	a := b.alarms[i]
	before := *a
	a.State = Cleared
	a.Crit = 0
	a.Time = c.Time
	a.Status = c.Status
	out := Outcome{Changed: before != *a, Cleared: before.State != Cleared}
	if out.Cleared {
		log.Info("cleared [%s] %s - %s", loc, p.Tag, a.Description)
	}

	if a.Ack {
		final := *a
		final.Status = StatusNormal
		b.alarms = append(b.alarms[:i], b.alarms[i+1:]...)
		out.Changed = true
		out.Retired = &final
	}
	return out
}

// AckResult reports what Acknowledge did.
type AckResult struct {
	Alarm Alarm
	// Already is set when the alarm was acknowledged before; nothing changed.
	Already bool
	// Removed is set when the alarm was Cleared and left the list.
	Removed bool
}

// Acknowledge acknowledges the alarm for (loc, tag). An empty loc matches the
// first alarm with the tag.
func (b *Book) Acknowledge(loc, tag string) (AckResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := -1
	if loc == "" {
		for j, a := range b.alarms {
			if a.Tag == tag {
				i = j
				break
			}
		}
	} else {
		i = b.find(loc, tag)
	}
	if i < 0 {
		return AckResult{}, errs.NotFound("alarm", "Acknowledge", errs.ErrAlarmNotFound, "%s", ID(loc, tag))
	}

	a := b.alarms[i]
	if a.Ack {
		return AckResult{Alarm: *a, Already: true}, nil
	}
	a.Ack = true
	res := AckResult{Alarm: *a}
	if a.State == Cleared {
		b.alarms = append(b.alarms[:i], b.alarms[i+1:]...)
		res.Removed = true
	}
	return res, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
