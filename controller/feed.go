// Package controller provides the controller-side point image: the table the
// PLC (or its simulator) publishes and the sync engine merges from.
package controller

import (
	"context"
	"fmt"

	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/point"
)

// Feed yields the latest controller image.
type Feed interface {
	// Load returns a copy of the current image. A missing or unreadable
	// image is an error; callers skip the tick.
	Load(ctx context.Context) (*point.Document, error)
}

// LimitWriter is implemented by feeds that accept threshold updates so the
// controller follows operator edits.
type LimitWriter interface {
	UpdateLimits(ctx context.Context, key point.Key, limits point.Limits) error
}

// ValueWriter is implemented by feeds that accept direct writes to the
// controller image. ts is stamped on the written point.
type ValueWriter interface {
	WriteValue(ctx context.Context, key point.Key, value float64, ts string) (point.Point, error)
	Touch(ctx context.Context, key point.Key, ts string) (point.Point, error)
}

// Starter is implemented by feeds that must connect before the first Load.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is implemented by feeds holding connections.
type Closer interface {
	Close() error
}

// New builds the feed selected by cfg.Type.
func New(cfg config.ControllerConfig) (Feed, error) {
	switch cfg.Type {
	case "", "file":
		return NewFileFeed(cfg.Path), nil
	case "mqtt":
		var tr *Transformer
		if cfg.Transformer.ScriptCode != "" || cfg.Transformer.ScriptPath != "" {
			var err error
			tr, err = NewTransformer(cfg.Transformer)
			if err != nil {
				return nil, err
			}
		}
		return NewMQTTFeed(cfg.MQTT, tr)
	default:
		return nil, fmt.Errorf("unsupported controller type: %s", cfg.Type)
	}
}

// index maps a document's points by key.
func index(doc *point.Document) map[point.Key]int {
	idx := make(map[point.Key]int, len(doc.Points))
	for i := range doc.Points {
		idx[doc.Points[i].Key()] = i
	}
	return idx
}

// Seed derives an initial controller image from the point definitions:
// same points, override flags stripped.
func Seed(defs *point.Document) *point.Document {
	out := &point.Document{System: defs.System, Points: make([]point.Point, len(defs.Points))}
	for i, p := range defs.Points {
		p.MO = false
		out.Points[i] = p
	}
	return out
}
