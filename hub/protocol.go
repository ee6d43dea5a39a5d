package hub

import (
	"encoding/json"
	"strings"
)

// Collection names one of the broadcast tables.
type Collection string

const (
	Points Collection = "points"
	Alarms Collection = "alarms"
	Events Collection = "events"
)

// Scopes of the alarm and event collections; point scopes are "system:<loc>".
const (
	ScopeAlarms = "alarms"
	ScopeEvents = "events"
	scopeSystem = "system:"
)

// Error codes carried by error frames.
const (
	CodeBadJSON      = "BAD_JSON"
	CodeBadSubscribe = "BAD_SUBSCRIBE"
	CodeBadType      = "BAD_TYPE"
)

// SystemScope returns the point scope of a location.
func SystemScope(loc string) string {
	return scopeSystem + loc
}

// ValidScope reports whether s names a known scope.
func ValidScope(s string) bool {
	switch {
	case s == ScopeAlarms, s == ScopeEvents:
		return true
	case strings.HasPrefix(s, scopeSystem):
		return len(s) > len(scopeSystem)
	}
	return false
}

// inbound is any client frame.
type inbound struct {
	Type   string   `json:"type"`
	Scopes []string `json:"scopes"`
	Client string   `json:"client,omitempty"`
}

type welcomeFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	ServerTime  int64  `json:"serverTime"`
	HeartbeatMs int64  `json:"heartbeatMs"`
}

type pongFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Diff is the change of one collection: changed entries by key, removed keys.
type Diff struct {
	Changed map[string]json.RawMessage `json:"changed"`
	Removed []string                   `json:"removed"`
}

func (d *Diff) empty() bool {
	return d == nil || (len(d.Changed) == 0 && len(d.Removed) == 0)
}

type updateFrame struct {
	Type   string              `json:"type"`
	Cursor uint64              `json:"cursor"`
	Scopes []string            `json:"scopes"`
	Diffs  map[Collection]Diff `json:"diffs"`
}

type snapshotFrame struct {
	Type   string                     `json:"type"`
	Cursor uint64                     `json:"cursor"`
	Scopes []string                   `json:"scopes"`
	Points map[string]json.RawMessage `json:"points"`
	Alarms []json.RawMessage          `json:"alarms"`
	Events []json.RawMessage          `json:"events"`
}
