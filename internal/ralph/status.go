package ralph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"featureloop/internal/backlog"
)

// StatusFileName is the status file written into the working directory.
const StatusFileName = ".ralph-status.json"

// Status is a snapshot of a running loop, written for external pollers
// such as `ralph status`.
type Status struct {
	RunID string `json:"run_id"`

	// State indicates whether ralph is running or has completed.
	State string `json:"state"` // "running" or "completed"

	// Phase is the Controller state at the time of writing.
	Phase State `json:"phase"`

	// Current iteration number (1-indexed).
	Iteration int `json:"iteration"`

	// MaxIterations is the configured maximum iterations.
	MaxIterations int `json:"max_iterations"`

	// CurrentFeature is the feature currently being worked on (nil if none).
	CurrentFeature *FeatureInfo `json:"current_feature,omitempty"`

	Remaining int `json:"remaining"`
	Total     int `json:"total"`

	// Elapsed is the total elapsed time since the loop started (in nanoseconds).
	Elapsed int64 `json:"elapsed_ns"`

	// Tallies are running counts of outcomes.
	Tallies struct {
		Accepted      int `json:"accepted"`
		AgentFailures int `json:"agent_failures"`
		CIRejections  int `json:"ci_rejections"`
	} `json:"tallies"`

	UpdatedAt time.Time `json:"updated_at"`

	// StopReason indicates why the loop stopped (only set when state="completed").
	StopReason string `json:"stop_reason,omitempty"`
}

// FeatureInfo represents minimal information about a feature.
type FeatureInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// StatusWriter manages writing status updates to a file.
type StatusWriter struct {
	path string
}

// NewStatusWriter creates a StatusWriter for StatusFileName inside workdir.
func NewStatusWriter(workdir string) *StatusWriter {
	return &StatusWriter{
		path: filepath.Join(workdir, StatusFileName),
	}
}

// Path returns the status file location.
func (w *StatusWriter) Path() string {
	return w.path
}

// Write updates the status file with the current state.
func (w *StatusWriter) Write(status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := backlog.WriteFileAtomic(w.path, append(data, '\n')); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// Clear removes the status file (called when ralph completes).
func (w *StatusWriter) Clear() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove status file: %w", err)
	}
	return nil
}

// ReadStatus loads the status file from workdir. ok is false when no loop
// is running there.
func ReadStatus(workdir string) (status Status, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(workdir, StatusFileName))
	if errors.Is(err, os.ErrNotExist) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("read status: %w", err)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, false, fmt.Errorf("parse status: %w", err)
	}
	return status, true, nil
}
