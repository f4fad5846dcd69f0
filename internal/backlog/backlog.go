// Package backlog loads, queries, and persists the feature backlog that
// drives a ralph run.
//
// The backlog file is the only durable record of which features pass. It is
// re-read rather than cached so that a crashed run can be resumed by simply
// starting again.
package backlog

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBacklog indicates the backlog file is unreadable or
	// structurally invalid (missing required fields, duplicate IDs).
	ErrMalformedBacklog = errors.New("malformed backlog")

	// ErrUnknownFeatureID indicates a feature ID is not present in the backlog.
	ErrUnknownFeatureID = errors.New("unknown feature id")
)

// Feature is one independently verifiable backlog item.
type Feature struct {
	ID                 string   `json:"id" yaml:"id"`
	Priority           int      `json:"priority" yaml:"priority"` // lower value = picked first
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description" yaml:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
	Passes             bool     `json:"passes" yaml:"passes"`
}

// CIConfig overrides auto-detected CI commands field by field. A nil field
// defers to detection; a non-nil empty string disables that command.
type CIConfig struct {
	TestCommand  *string `json:"testCommand,omitempty" yaml:"testCommand,omitempty"`
	BuildCommand *string `json:"buildCommand,omitempty" yaml:"buildCommand,omitempty"`
}

// Backlog is the full set of features for a project. Features keep their
// declaration order; selection order is derived from Priority.
type Backlog struct {
	ProjectName string    `json:"projectName" yaml:"projectName"`
	Features    []Feature `json:"features" yaml:"features"`
	CIConfig    *CIConfig `json:"ciConfig,omitempty" yaml:"ciConfig,omitempty"`
}

// SelectNext returns the failing feature with the lowest priority. Ties go
// to the feature declared first. ok is false when every feature passes.
func (b Backlog) SelectNext() (f Feature, ok bool) {
	best := -1
	for i, cand := range b.Features {
		if cand.Passes {
			continue
		}
		if best < 0 || cand.Priority < b.Features[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return Feature{}, false
	}
	return b.Features[best], true
}

// Complete reports whether every feature passes. An empty backlog is complete.
func (b Backlog) Complete() bool {
	_, ok := b.SelectNext()
	return !ok
}

// Remaining returns the number of features that do not pass yet.
func (b Backlog) Remaining() int {
	n := 0
	for _, f := range b.Features {
		if !f.Passes {
			n++
		}
	}
	return n
}

// Feature looks up a feature by ID.
func (b Backlog) Feature(id string) (Feature, bool) {
	for _, f := range b.Features {
		if f.ID == id {
			return f, true
		}
	}
	return Feature{}, false
}

// MarkComplete returns a copy of b with the feature's Passes flag set.
// Marking an already passing feature is a no-op.
func (b Backlog) MarkComplete(id string) (Backlog, error) {
	idx := -1
	for i, f := range b.Features {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return b, fmt.Errorf("%w: %q", ErrUnknownFeatureID, id)
	}

	out := b.Clone()
	out.Features[idx].Passes = true
	return out, nil
}

// Clone returns a deep copy so that callers can mutate freely.
func (b Backlog) Clone() Backlog {
	out := Backlog{ProjectName: b.ProjectName}
	if b.Features != nil {
		out.Features = make([]Feature, len(b.Features))
		for i, f := range b.Features {
			if f.AcceptanceCriteria != nil {
				f.AcceptanceCriteria = append([]string(nil), f.AcceptanceCriteria...)
			}
			out.Features[i] = f
		}
	}
	if b.CIConfig != nil {
		cfg := CIConfig{}
		if b.CIConfig.TestCommand != nil {
			s := *b.CIConfig.TestCommand
			cfg.TestCommand = &s
		}
		if b.CIConfig.BuildCommand != nil {
			s := *b.CIConfig.BuildCommand
			cfg.BuildCommand = &s
		}
		out.CIConfig = &cfg
	}
	return out
}

// PassingIDs returns the IDs of all passing features in declaration order.
func (b Backlog) PassingIDs() []string {
	var ids []string
	for _, f := range b.Features {
		if f.Passes {
			ids = append(ids, f.ID)
		}
	}
	return ids
}
