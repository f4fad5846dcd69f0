package backlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the conventional backlog file name.
const DefaultFileName = "prd.json"

// Format identifies the on-disk encoding of a backlog file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks the encoding from the file extension. Anything other
// than .yaml/.yml is treated as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// rawFeature and rawBacklog use pointers so absent required fields can be
// told apart from zero values.
type rawFeature struct {
	ID                 *string  `json:"id" yaml:"id"`
	Priority           *int     `json:"priority" yaml:"priority"`
	Title              *string  `json:"title" yaml:"title"`
	Description        string   `json:"description" yaml:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
	Passes             bool     `json:"passes" yaml:"passes"`
}

type rawBacklog struct {
	ProjectName *string       `json:"projectName" yaml:"projectName"`
	Features    *[]rawFeature `json:"features" yaml:"features"`
	CIConfig    *CIConfig     `json:"ciConfig" yaml:"ciConfig"`
}

// Load reads and validates the backlog at path. Any structural problem is
// reported as ErrMalformedBacklog.
func Load(path string) (Backlog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Backlog{}, fmt.Errorf("%w: read %s: %w", ErrMalformedBacklog, path, err)
	}
	b, err := Parse(data, FormatForPath(path))
	if err != nil {
		return Backlog{}, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Parse decodes and validates backlog content in the given format.
func Parse(data []byte, format Format) (Backlog, error) {
	var raw rawBacklog
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Backlog{}, fmt.Errorf("%w: %w", ErrMalformedBacklog, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return Backlog{}, fmt.Errorf("%w: %w", ErrMalformedBacklog, err)
		}
	}
	return raw.validate()
}

func (r rawBacklog) validate() (Backlog, error) {
	if r.ProjectName == nil {
		return Backlog{}, fmt.Errorf("%w: missing projectName", ErrMalformedBacklog)
	}
	if r.Features == nil {
		return Backlog{}, fmt.Errorf("%w: missing features", ErrMalformedBacklog)
	}

	b := Backlog{
		ProjectName: *r.ProjectName,
		Features:    make([]Feature, 0, len(*r.Features)),
		CIConfig:    r.CIConfig,
	}
	seen := make(map[string]int, len(*r.Features))
	for i, rf := range *r.Features {
		switch {
		case rf.ID == nil || strings.TrimSpace(*rf.ID) == "":
			return Backlog{}, fmt.Errorf("%w: feature #%d: missing id", ErrMalformedBacklog, i+1)
		case rf.Priority == nil:
			return Backlog{}, fmt.Errorf("%w: feature %q: missing priority", ErrMalformedBacklog, *rf.ID)
		case rf.Title == nil:
			return Backlog{}, fmt.Errorf("%w: feature %q: missing title", ErrMalformedBacklog, *rf.ID)
		}
		if prev, dup := seen[*rf.ID]; dup {
			return Backlog{}, fmt.Errorf("%w: duplicate feature id %q (features #%d and #%d)",
				ErrMalformedBacklog, *rf.ID, prev+1, i+1)
		}
		seen[*rf.ID] = i

		criteria := rf.AcceptanceCriteria
		if len(criteria) == 0 {
			criteria = nil
		}
		b.Features = append(b.Features, Feature{
			ID:                 *rf.ID,
			Priority:           *rf.Priority,
			Title:              *rf.Title,
			Description:        rf.Description,
			AcceptanceCriteria: criteria,
			Passes:             rf.Passes,
		})
	}
	return b, nil
}

// Encode serializes b in the given format.
func Encode(b Backlog, format Format) ([]byte, error) {
	if b.Features == nil {
		b.Features = []Feature{}
	}
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(b); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return append(data, '\n'), nil
	}
}

// Save writes b to path atomically: the content goes to a temp file in the
// same directory which is then renamed over the target.
func Save(b Backlog, path string) error {
	data, err := Encode(b, FormatForPath(path))
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic replaces path with data via temp file + rename. The
// existing file mode is preserved when the target already exists.
func WriteFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
