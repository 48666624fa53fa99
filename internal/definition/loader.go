// Package definition parses workflow templates, validates them, and keeps
// the discovered catalog behind an atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// recognizedExtensions maps file extensions to their template format.
var recognizedExtensions = map[string]string{
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
}

// RawTemplate is a parsed template file that has not been validated yet.
type RawTemplate struct {
	Path     string
	Format   string
	Checksum string
	Data     map[string]any
}

// Loader reads template files and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// IsTemplateFile reports whether path has a recognized template extension.
func IsTemplateFile(path string) bool {
	_, ok := recognizedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// LoadFile reads and parses a single template file. The format is inferred
// from the extension.
func (l *Loader) LoadFile(path string) (RawTemplate, error) {
	format, ok := recognizedExtensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return RawTemplate{}, fmt.Errorf("unsupported template extension %q", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RawTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	parsed, err := Parse(data, format)
	if err != nil {
		return RawTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return RawTemplate{
		Path:     path,
		Format:   format,
		Checksum: fmt.Sprintf("%x", sha256.Sum256(data)),
		Data:     parsed,
	}, nil
}

// Parse decodes template bytes in the given format ("json" or "yaml") into
// the generic nested mapping the validator consumes.
func Parse(data []byte, format string) (map[string]any, error) {
	var doc any
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unexpected data after the JSON document")
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown template format %q", format)
	}

	m, ok := normalize(doc).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("template root must be a mapping")
	}
	return m, nil
}

// normalize converts YAML-specific shapes into the same types JSON decoding
// produces, so the validator sees one representation.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
