package point

import (
	"fmt"
	"strings"
	"sync"

	"github.com/eddielth/scada-core/errs"
)

// Store is the authoritative in-memory point table. Every accessor returns
// copies; mutation goes through Update so the store owns its lock.
type Store struct {
	mu     sync.RWMutex
	path   string
	system string
	points []*Point
	index  map[Key]int
}

// NewStore builds a store from a decoded document. path may be empty for a
// memory-only store.
func NewStore(path string, doc *Document) *Store {
	s := &Store{
		path:  path,
		index: make(map[Key]int),
	}
	if doc != nil {
		s.system = doc.System
		for i := range doc.Points {
			p := doc.Points[i]
			if _, dup := s.index[p.Key()]; dup {
				continue
			}
			s.index[p.Key()] = len(s.points)
			s.points = append(s.points, &p)
		}
	}
	return s
}

// Load reads the point definitions at path.
func Load(path string) (*Store, error) {
	doc, err := ReadFile(path)
	if err != nil {
		return nil, errs.Transient("point", "Load", fmt.Errorf("load point definitions: %w", err))
	}
	return NewStore(path, doc), nil
}

// System is the document-level system name.
func (s *Store) System() string {
	return s.system
}

// Len returns the number of points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Get returns a copy of the point with the given key.
func (s *Store) Get(key Key) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return Point{}, false
	}
	return *s.points[i], true
}

// Find resolves a tag, optionally qualified by location. With an empty loc the
// first point carrying the tag wins.
func (s *Store) Find(loc, tag string) (Point, bool) {
	if loc != "" {
		return s.Get(Key{Loc: loc, Tag: tag})
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.points {
		if p.Tag == tag {
			return *p, true
		}
	}
	return Point{}, false
}

// SplitQualified splits "LOC:Tag" into its parts; unqualified tags return an
// empty location.
func SplitQualified(tag string) (loc, name string) {
	if i := strings.Index(tag, ":"); i > 0 {
		return tag[:i], tag[i+1:]
	}
	return "", tag
}

// Update applies fn to the point under the write lock. fn reports whether it
// changed anything.
func (s *Store) Update(key Key, fn func(p *Point) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return false, errs.NotFound("point", "Update", errs.ErrPointNotFound, "%s", key)
	}
	return fn(s.points[i]), nil
}

// Snapshot copies every point in definition order.
func (s *Store) Snapshot() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, len(s.points))
	for i, p := range s.points {
		out[i] = *p
	}
	return out
}

// Analog copies the analog input points.
func (s *Store) Analog() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Point
	for _, p := range s.points {
		if p.IsAnalogInput() {
			out = append(out, *p)
		}
	}
	return out
}

// Document returns the current table as a persistable document.
func (s *Store) Document() *Document {
	return &Document{System: s.system, Points: s.Snapshot()}
}

// Save writes the table back to its definition file.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	if err := WriteFile(s.path, s.Document()); err != nil {
		return errs.Transient("point", "Save", err)
	}
	return nil
}
