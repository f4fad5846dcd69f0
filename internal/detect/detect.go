// Package detect infers a project's build and test commands from its
// manifest files.
//
// Detection is a fixed, ordered list of strategies. The first strategy whose
// ecosystem signal is present wins; results are never merged across
// ecosystems. Adding an ecosystem means adding one Detector to Default.
package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"featureloop/internal/backlog"
)

// Commands holds the resolved CI commands. An empty string means the
// command is not configured.
type Commands struct {
	Test  string `json:"testCommand,omitempty"`
	Build string `json:"buildCommand,omitempty"`
}

// Empty reports whether neither command is configured.
func (c Commands) Empty() bool {
	return c.Test == "" && c.Build == ""
}

// Detector is one ecosystem strategy.
type Detector interface {
	// Name identifies the ecosystem, e.g. "node".
	Name() string
	// Detect inspects root. matched is true when the ecosystem signal is
	// present, even if no command could be derived from it.
	Detect(root string) (cmds Commands, matched bool, err error)
}

// Result is the outcome of running the detector ladder.
type Result struct {
	Detector string // empty when nothing matched
	Commands Commands
}

// Default returns the detectors in priority order.
func Default() []Detector {
	return []Detector{
		Node{},
		Rust{},
		Python{},
		Golang{},
		Make{},
	}
}

// Detect runs the default detector ladder against root.
func Detect(root string) (Result, error) {
	return Run(root, Default())
}

// Run tries each detector in order and returns the first match.
func Run(root string, detectors []Detector) (Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Result{}, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("project root %s is not a directory", root)
	}

	for _, d := range detectors {
		cmds, matched, err := d.Detect(root)
		if err != nil {
			return Result{Detector: d.Name()}, fmt.Errorf("%s detector: %w", d.Name(), err)
		}
		if matched {
			return Result{Detector: d.Name(), Commands: cmds}, nil
		}
	}
	return Result{}, nil
}

// Resolve layers the backlog override over detected commands field by
// field. A nil override field keeps the detected value; a non-nil one
// replaces it, including with the empty string.
func Resolve(detected Commands, override *backlog.CIConfig) Commands {
	out := detected
	if override == nil {
		return out
	}
	if override.TestCommand != nil {
		out.Test = strings.TrimSpace(*override.TestCommand)
	}
	if override.BuildCommand != nil {
		out.Build = strings.TrimSpace(*override.BuildCommand)
	}
	return out
}

// and joins non-empty commands with shell AND-sequencing.
func and(cmds ...string) string {
	kept := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if c != "" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, " && ")
}

func exists(root string, names ...string) bool {
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(root, n)); err == nil {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readOptional returns the file content, or nil if it does not exist.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
