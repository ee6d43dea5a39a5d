// Package point holds the authoritative table of device points and its
// persistence to the point-definition document.
package point

import (
	"math"
	"strconv"
)

// SignalType is the I/O kind of a point.
type SignalType string

const (
	DI SignalType = "DI"
	DO SignalType = "DO"
	AI SignalType = "AI"
	AO SignalType = "AO"
)

// Quality strings used by the store.
const (
	QualityGood     = "Good"
	QualityOverride = "ManualOverride"
)

// TimeLayout is the local-time format used for point, alarm and event timestamps.
const TimeLayout = "2006-01-02 15:04:05.000"

// Key identifies a point.
type Key struct {
	Loc string
	Tag string
}

// String is the broadcast key, "<loc>.<tag>".
func (k Key) String() string {
	return k.Loc + "." + k.Tag
}

// HistorianKey is the archive key, "<loc>:<tag>" with "-" for an empty location.
func (k Key) HistorianKey() string {
	loc := k.Loc
	if loc == "" {
		loc = "-"
	}
	return loc + ":" + k.Tag
}

// Point is a single addressable device signal.
type Point struct {
	Loc        string     `json:"loc" yaml:"loc"`
	Tag        string     `json:"tag" yaml:"tag"`
	Sys        string     `json:"sys,omitempty" yaml:"sys,omitempty"`
	Label      string     `json:"label,omitempty" yaml:"label,omitempty"`
	Signal     string     `json:"signal,omitempty" yaml:"signal,omitempty"`
	EquipType  string     `json:"equipType,omitempty" yaml:"equipType,omitempty"`
	EquipID    string     `json:"equipId,omitempty" yaml:"equipId,omitempty"`
	Desc       string     `json:"desc,omitempty" yaml:"desc,omitempty"`
	Unit       string     `json:"unit,omitempty" yaml:"unit,omitempty"`
	SignalType SignalType `json:"signalType" yaml:"signalType"`

	Value   float64 `json:"value" yaml:"value"`
	Quality string  `json:"q,omitempty" yaml:"q,omitempty"`
	TS      string  `json:"ts,omitempty" yaml:"ts,omitempty"`
	MO      bool    `json:"mo_i" yaml:"mo_i"`

	State0 *string `json:"state0,omitempty" yaml:"state0,omitempty"`
	Crit0  *int    `json:"crit0,omitempty" yaml:"crit0,omitempty"`
	State1 *string `json:"state1,omitempty" yaml:"state1,omitempty"`
	Crit1  *int    `json:"crit1,omitempty" yaml:"crit1,omitempty"`

	Limits    `yaml:",inline"`
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Key returns the point identity.
func (p *Point) Key() Key {
	return Key{Loc: p.Loc, Tag: p.Tag}
}

// IsAnalogInput reports whether the point runs the threshold ladder.
func (p *Point) IsAnalogInput() bool {
	return p.SignalType == AI
}

// DisplayLabel is the label, or equipType+equipId when no label is set.
func (p *Point) DisplayLabel() string {
	if p.Label != "" {
		return p.Label
	}
	return p.EquipType + p.EquipID
}

// Description is desc, falling back to the tag.
func (p *Point) Description() string {
	if p.Desc != "" {
		return p.Desc
	}
	return p.Tag
}

// System returns the point's subsystem or def when it has none.
func (p *Point) System(def string) string {
	if p.Sys != "" {
		return p.Sys
	}
	if def != "" {
		return def
	}
	return "-"
}

// Location returns loc or "-".
func (p *Point) Location() string {
	if p.Loc != "" {
		return p.Loc
	}
	return "-"
}

// AlarmManaged reports whether the digital state table can raise alarms.
// Analog inputs are always managed through their thresholds.
func (p *Point) AlarmManaged() bool {
	if p.IsAnalogInput() {
		return true
	}
	return deref(p.Crit0) != 0 || deref(p.Crit1) != 0
}

// DigitalState looks the value up in the two-state table. Values other than
// 0 and 1, or states missing from the table, yield the value text and crit 0.
func (p *Point) DigitalState(value float64) (string, int) {
	switch {
	case value == 0 && p.State0 != nil:
		return *p.State0, deref(p.Crit0)
	case value == 1 && p.State1 != nil:
		return *p.State1, deref(p.Crit1)
	}
	return FormatValue(value), 0
}

// CommandState is the text recorded for a command on a digital output.
func (p *Point) CommandState(value float64) string {
	if value == 1 {
		if p.State1 != nil {
			return *p.State1
		}
		return "On"
	}
	if p.State0 != nil {
		return *p.State0
	}
	return "Off"
}

// ValueText formats the current value for event and alarm text: rounded with
// unit for analog points, state text for digital points.
func (p *Point) ValueText() string {
	switch p.SignalType {
	case AI, AO:
		text := FormatValue(p.Value)
		if p.Unit != "" {
			text += " " + p.Unit
		}
		return text
	case DI, DO:
		return p.CommandState(p.Value)
	}
	return FormatValue(p.Value)
}

// FormatValue rounds to two decimals and drops trailing zeros.
func FormatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
