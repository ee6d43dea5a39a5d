package main

import (
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/eddielth/scada-core/point"
)

// Simulator drives a controller image: analog inputs random-walk inside
// their span and digital inputs toggle now and then. Outputs are left alone,
// operators write them.
type Simulator struct {
	rng *rand.Rand
	// ToggleChance is the per-step probability that a digital input flips.
	ToggleChance float64
	// Step is the walk step as a fraction of the span.
	Step float64
}

// NewSimulator creates a simulator with a fixed seed so runs are repeatable.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng:          rand.New(rand.NewSource(seed)),
		ToggleChance: 0.02,
		Step:         0.03,
	}
}

// span is [0, top] where top is a little above the highest enabled threshold.
func span(p *point.Point) float64 {
	top := 0.0
	for _, l := range []*point.Limit{p.Warn, p.High, p.HH} {
		if v, ok := l.Get(); ok && v > top {
			top = v
		}
	}
	if top == 0 {
		return 100
	}
	return top * 1.1
}

// Advance moves every point of doc one step and stamps changed points.
// It returns the number of points changed.
func (s *Simulator) Advance(doc *point.Document, now time.Time) int {
	ts := now.Format(point.TimeLayout)
	changed := 0
	for i := range doc.Points {
		p := &doc.Points[i]
		old := p.Value
		switch p.SignalType {
		case point.AI:
			top := span(p)
			v := p.Value + (s.rng.Float64()*2-1)*s.Step*top
			v = math.Max(0, math.Min(top, v))
			p.Value = math.Round(v*100) / 100
		case point.DI:
			if s.rng.Float64() < s.ToggleChance {
				p.Value = 1 - math.Min(1, math.Abs(p.Value))
			}
		default:
			continue
		}
		if p.Value != old {
			p.Quality = point.QualityGood
			p.TS = ts
			changed++
		}
	}
	return changed
}

// settingsMessage mirrors what the runtime publishes on threshold edits.
type settingsMessage struct {
	Loc string `json:"loc"`
	Tag string `json:"tag"`
	point.Limits
}

// ApplySettings merges a published threshold edit into doc.
func ApplySettings(doc *point.Document, payload []byte) (bool, error) {
	var msg settingsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false, err
	}
	key := point.Key{Loc: msg.Loc, Tag: msg.Tag}
	for i := range doc.Points {
		if doc.Points[i].Key() == key {
			doc.Points[i].Merge(msg.Limits)
			return true, nil
		}
	}
	return false, nil
}

// commandMessage mirrors what the runtime publishes on controller writes.
type commandMessage struct {
	Loc   string  `json:"loc"`
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
}

// ApplyCommand sets the value named by a published controller write.
func ApplyCommand(doc *point.Document, payload []byte, now time.Time) (bool, error) {
	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false, err
	}
	key := point.Key{Loc: msg.Loc, Tag: msg.Tag}
	for i := range doc.Points {
		if doc.Points[i].Key() == key {
			doc.Points[i].Value = msg.Value
			doc.Points[i].Quality = point.QualityGood
			doc.Points[i].TS = now.Format(point.TimeLayout)
			return true, nil
		}
	}
	return false, nil
}

// ByLocation splits doc into one table per location, the shape published on
// plc/<loc>/points.
func ByLocation(doc *point.Document) map[string]*point.Document {
	out := make(map[string]*point.Document)
	for _, p := range doc.Points {
		d, ok := out[p.Loc]
		if !ok {
			d = &point.Document{System: doc.System}
			out[p.Loc] = d
		}
		d.Points = append(d.Points, p)
	}
	return out
}

func locations(m map[string]*point.Document) []string {
	locs := make([]string, 0, len(m))
	for loc := range m {
		locs = append(locs, loc)
	}
	sort.Strings(locs)
	return locs
}
