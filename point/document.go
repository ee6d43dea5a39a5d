package point

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the persisted form of a point table: the SCADA definitions and
// the controller image share it.
type Document struct {
	System string  `json:"system,omitempty" yaml:"system,omitempty"`
	Points []Point `json:"points" yaml:"points"`
}

// Decode parses a document. JSON may be a bare array of points or an object
// with a points array; YAML is selected when isYAML is set.
func Decode(data []byte, isYAML bool) (*Document, error) {
	var doc Document

	if isYAML {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			var points []Point
			if errList := yaml.Unmarshal(data, &points); errList != nil {
				return nil, fmt.Errorf("decode yaml document: %w", err)
			}
			doc.Points = points
		}
	} else {
		trimmed := bytes.TrimSpace(data)
		switch {
		case len(trimmed) == 0:
			return nil, fmt.Errorf("decode json document: empty input")
		case trimmed[0] == '[':
			if err := json.Unmarshal(trimmed, &doc.Points); err != nil {
				return nil, fmt.Errorf("decode json point array: %w", err)
			}
		default:
			if err := json.Unmarshal(trimmed, &doc); err != nil {
				return nil, fmt.Errorf("decode json document: %w", err)
			}
		}
	}

	doc.normalize()
	return &doc, nil
}

// normalize derives missing tags from label and signal ("SUP001" + "RunFb").
func (d *Document) normalize() {
	for i := range d.Points {
		p := &d.Points[i]
		if p.Tag == "" && p.Signal != "" && p.Label != "" {
			p.Tag = p.Label + "." + p.Signal
		}
	}
}

// ReadFile loads a document; .yaml and .yml files are parsed as YAML.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data, isYAMLPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// WriteFile replaces the document atomically (temp file + rename).
func WriteFile(path string, doc *Document) error {
	var (
		data []byte
		err  error
	)
	if isYAMLPath(path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// WriteJSON atomically writes any value as indented JSON. Alarm and event
// files use it too.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
