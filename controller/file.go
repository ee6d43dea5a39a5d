package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/point"
)

// FileFeed reads the controller image from a JSON document that a simulator
// or gateway rewrites in place.
type FileFeed struct {
	path string
	mu   sync.Mutex
}

// NewFileFeed creates a file feed
func NewFileFeed(path string) *FileFeed {
	return &FileFeed{path: path}
}

// Path returns the image location
func (f *FileFeed) Path() string {
	return f.path
}

// Load reads the image from disk
func (f *FileFeed) Load(_ context.Context) (*point.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := point.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindUnavailable, "controller", "Load", fmt.Errorf("%w: %s", errs.ErrNoImage, f.path))
		}
		return nil, errs.Transient("controller", "Load", err)
	}
	return doc, nil
}

// UpdateLimits rewrites the thresholds of one point in the image
func (f *FileFeed) UpdateLimits(_ context.Context, key point.Key, limits point.Limits) error {
	_, err := f.edit("UpdateLimits", key, func(p *point.Point) {
		p.Merge(limits)
	})
	return err
}

// WriteValue sets the value of one point in the image with Good quality.
func (f *FileFeed) WriteValue(_ context.Context, key point.Key, value float64, ts string) (point.Point, error) {
	return f.edit("WriteValue", key, func(p *point.Point) {
		p.Value = value
		p.Quality = point.QualityGood
		p.TS = ts
	})
}

// Touch refreshes the timestamp of one point in the image.
func (f *FileFeed) Touch(_ context.Context, key point.Key, ts string) (point.Point, error) {
	return f.edit("Touch", key, func(p *point.Point) {
		p.TS = ts
	})
}

// edit applies fn to one point and writes the image back.
func (f *FileFeed) edit(op string, key point.Key, fn func(p *point.Point)) (point.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := point.ReadFile(f.path)
	if err != nil {
		return point.Point{}, errs.Transient("controller", op, err)
	}
	i, ok := index(doc)[key]
	if !ok {
		return point.Point{}, errs.NotFound("controller", op, errs.ErrPointNotFound, "%s", key)
	}
	fn(&doc.Points[i])
	if err := point.WriteFile(f.path, doc); err != nil {
		return point.Point{}, errs.Transient("controller", op, err)
	}
	return doc.Points[i], nil
}

// SeedIfMissing writes an image derived from defs when none exists yet. It
// reports whether a new image was written.
func (f *FileFeed) SeedIfMissing(defs *point.Document) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if err := point.WriteFile(f.path, Seed(defs)); err != nil {
		return false, fmt.Errorf("seed controller image: %w", err)
	}
	logger.Info("seeded controller image %s with %d points", f.path, len(defs.Points))
	return true, nil
}
