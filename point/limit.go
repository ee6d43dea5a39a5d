package point

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// disabledSentinel is how controller images spell a disabled threshold.
const disabledSentinel = "x"

// Limit is an optional alarm threshold. The zero value is disabled.
// Limits are immutable once created; share pointers freely.
type Limit struct {
	value   float64
	enabled bool
}

// LimitAt returns an enabled threshold.
func LimitAt(v float64) *Limit {
	return &Limit{value: v, enabled: true}
}

// Disabled returns an explicitly disabled threshold.
func Disabled() *Limit {
	return &Limit{}
}

// Get returns the threshold and whether it is enabled. A nil Limit is disabled.
func (l *Limit) Get() (float64, bool) {
	if l == nil || !l.enabled {
		return 0, false
	}
	return l.value, true
}

// Equal compares two limits; nil and disabled are different (nil means "not supplied").
func (l *Limit) Equal(o *Limit) bool {
	if l == nil || o == nil {
		return l == nil && o == nil
	}
	return l.enabled == o.enabled && (!l.enabled || l.value == o.value)
}

func (l *Limit) String() string {
	if v, ok := l.Get(); ok {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return disabledSentinel
}

// ParseLimit interprets the legacy textual forms: a number, or "x"/"" for disabled.
func ParseLimit(s string) (*Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, disabledSentinel) {
		return Disabled(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold %q", s)
	}
	return LimitAt(v), nil
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.enabled {
		return json.Marshal(disabledSentinel)
	}
	return json.Marshal(l.value)
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = Limit{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseLimit(s)
		if err != nil {
			// Anything non-numeric counts as disabled.
			parsed = Disabled()
		}
		*l = *parsed
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}
	*l = Limit{value: v, enabled: true}
	return nil
}

func (l Limit) MarshalYAML() (interface{}, error) {
	if !l.enabled {
		return disabledSentinel, nil
	}
	return l.value, nil
}

func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		*l = Limit{}
		return nil
	}
	parsed, err := ParseLimit(node.Value)
	if err != nil {
		parsed = Disabled()
	}
	*l = *parsed
	return nil
}

// Limits are the six analog alarm thresholds.
type Limits struct {
	Warn    *Limit `json:"warn,omitempty" yaml:"warn,omitempty"`
	High    *Limit `json:"high,omitempty" yaml:"high,omitempty"`
	HH      *Limit `json:"hh,omitempty" yaml:"hh,omitempty"`
	WarnLow *Limit `json:"warn_low,omitempty" yaml:"warn_low,omitempty"`
	Low     *Limit `json:"low,omitempty" yaml:"low,omitempty"`
	LL      *Limit `json:"ll,omitempty" yaml:"ll,omitempty"`
}

// fields returns pointers to every threshold slot, in a fixed order.
func (ls *Limits) fields() [6]**Limit {
	return [6]**Limit{&ls.Warn, &ls.High, &ls.HH, &ls.WarnLow, &ls.Low, &ls.LL}
}

// Merge copies every threshold that src supplies (non-nil) and reports whether
// anything changed.
func (ls *Limits) Merge(src Limits) bool {
	changed := false
	dst := ls.fields()
	from := src.fields()
	for i := range dst {
		if *from[i] == nil {
			continue
		}
		if !(*dst[i]).Equal(*from[i]) {
			*dst[i] = *from[i]
			changed = true
		}
	}
	return changed
}

// Complete returns a copy where every unsupplied slot is explicitly disabled.
func (ls Limits) Complete() Limits {
	out := ls
	for _, f := range out.fields() {
		if *f == nil {
			*f = Disabled()
		}
	}
	return out
}
