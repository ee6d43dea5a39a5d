// Package event is the append-only audit trail of commands, overrides,
// acknowledgements, threshold changes and state transitions.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/point"
)

var log = logger.Named("event")

// Type classifies an event.
type Type string

const (
	Status  Type = "Status"
	Cmd     Type = "Cmd"
	AI      Type = "AI"
	Ack     Type = "Ack"
	ManO    Type = "ManO"
	Setting Type = "Setting"
)

// Record is one audit entry.
type Record struct {
	ID    string   `json:"id"`
	TS    string   `json:"ts"`
	Loc   string   `json:"loc"`
	Sys   string   `json:"sys"`
	Label string   `json:"label"`
	Tag   string   `json:"tag,omitempty"`
	Desc  string   `json:"desc"`
	State string   `json:"state"`
	Crit  int      `json:"crit"`
	Type  Type     `json:"type"`
	Ack   bool     `json:"ack"`
	Value *float64 `json:"value,omitempty"`
}

// FromPoint fills the descriptive fields of a record from p.
func FromPoint(p *point.Point, system string, typ Type, state string, crit int, ts string) Record {
	return Record{
		TS:    ts,
		Loc:   p.Location(),
		Sys:   p.System(system),
		Label: p.DisplayLabel(),
		Tag:   p.Tag,
		Desc:  p.Description(),
		State: state,
		Crit:  crit,
		Type:  typ,
	}
}

// Log holds the records in append order, capped at max entries.
type Log struct {
	mu      sync.RWMutex
	path    string
	max     int
	records []Record
}

// NewLog creates an event log persisted at path. max <= 0 disables the cap.
func NewLog(path string, max int) *Log {
	return &Log{path: path, max: max}
}

// Load reads the persisted records; a missing file is an empty log.
func (l *Log) Load() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errs.Transient("event", "Load", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.Transient("event", "Load", fmt.Errorf("%s: %w", l.path, err))
	}
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = records
	l.trim()
	log.Info("loaded %d existing events", len(l.records))
	return nil
}

// Append adds a record, assigning its id, and returns it.
func (l *Log) Append(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.trim()
	l.mu.Unlock()

	log.Info("[%s] %s - %s (%s)", r.Loc, r.Label, r.Desc, r.State)
	return r
}

func (l *Log) trim() {
	if l.max > 0 && len(l.records) > l.max {
		drop := len(l.records) - l.max
		l.records = append(l.records[:0:0], l.records[drop:]...)
	}
}

// List copies the records, oldest first.
func (l *Log) List() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Clear drops every record.
func (l *Log) Clear() {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}

// Save writes the log.
func (l *Log) Save() error {
	if l.path == "" {
		return nil
	}
	if err := point.WriteJSON(l.path, l.List()); err != nil {
		return errs.Transient("event", "Save", err)
	}
	return nil
}
