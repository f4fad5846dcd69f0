package ralph

import (
	"fmt"
	"strings"
	"time"
)

// StopReason indicates why the loop terminated.
type StopReason int

const (
	StopDone      StopReason = iota // Every feature passes.
	StopExhausted                   // Iteration bound reached first.
	StopCancelled                   // Context cancelled (e.g. SIGINT).
	StopFatal                       // Unrecoverable error (rollback failure, malformed backlog).
)

// String returns a human-readable label for the stop reason.
func (r StopReason) String() string {
	switch r {
	case StopDone:
		return "done"
	case StopExhausted:
		return "exhausted"
	case StopCancelled:
		return "cancelled"
	case StopFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code for the stop reason.
func (r StopReason) ExitCode() int {
	switch r {
	case StopDone:
		return 0
	case StopExhausted:
		return 2
	case StopCancelled:
		return 5
	default:
		return 1
	}
}

// ParseStopReason is the inverse of String.
func ParseStopReason(s string) (StopReason, error) {
	for r := StopDone; r <= StopFatal; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, ParseEnumError("StopReason", s)
}

// MarshalJSON implements json.Marshaler.
func (r StopReason) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(r)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *StopReason) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseStopReason)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// State is a Controller state. The three iteration outcomes are states too:
// every iteration ends in exactly one of AGENT_FAILED, CI_REJECTED or
// ITERATION_OK before the loop returns to ITERATING or terminates.
type State int

const (
	StateInit State = iota
	StateIterating
	StateAgentFailed
	StateCIRejected
	StateIterationOK
	StateDone
	StateExhausted
)

// String returns the journal tag for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIterating:
		return "ITERATING"
	case StateAgentFailed:
		return "AGENT_FAILED"
	case StateCIRejected:
		return "CI_REJECTED"
	case StateIterationOK:
		return "ITERATION_OK"
	case StateDone:
		return "DONE"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for st := StateInit; st <= StateExhausted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, ParseEnumError("State", s)
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseState)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultMaxIterations bounds a run when no limit is configured.
const DefaultMaxIterations = 10

// DefaultJournalTail is how many journal entries go into each prompt.
const DefaultJournalTail = 20

// RunSummary holds aggregate results across all iterations.
type RunSummary struct {
	RunID              string
	Iterations         int
	Accepted           int
	AgentFailures      int
	CIRejections       int
	SentinelMismatches int
	Remaining          int // features still failing when the loop stopped
	Total              int
	Unverified         bool // no CI commands were configured
	StopReason         StopReason
	Duration           time.Duration
}

// formatDuration formats a duration in a human-readable way (e.g., "2m34s", "1h12m").
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatIterationLog formats a per-iteration operator line.
func formatIterationLog(iter, maxIter int, featureID, title string, outcome State, duration time.Duration, detail string) string {
	status := strings.ToLower(strings.ReplaceAll(outcome.String(), "_", " "))
	if detail != "" {
		status += ": " + detail
	}
	if featureID == "" {
		featureID = "-"
	}
	return fmt.Sprintf("[%d/%d] %s %q → %s (%s)",
		iter, maxIter, featureID, title, status, formatDuration(duration))
}

// formatSummary formats the end-of-loop summary.
func formatSummary(summary *RunSummary) string {
	lines := make([]string, 0, 8)
	lines = append(lines, fmt.Sprintf("Ralph loop %s:", summary.StopReason))

	if summary.Accepted > 0 {
		lines = append(lines, fmt.Sprintf("  %s %d iteration(s) accepted", IconSuccess, summary.Accepted))
	}
	if summary.CIRejections > 0 {
		lines = append(lines, fmt.Sprintf("  %s %d rejected by CI (rolled back)", IconRejected, summary.CIRejections))
	}
	if summary.AgentFailures > 0 {
		lines = append(lines, fmt.Sprintf("  %s %d agent failure(s)", IconFailed, summary.AgentFailures))
	}
	if summary.SentinelMismatches > 0 {
		lines = append(lines, fmt.Sprintf("  %s %d premature completion claim(s)", IconQuestion, summary.SentinelMismatches))
	}
	if summary.Remaining > 0 {
		lines = append(lines, fmt.Sprintf("  %s %d of %d features remaining", IconPending, summary.Remaining, summary.Total))
	}
	if summary.Unverified {
		lines = append(lines, fmt.Sprintf("  %s no CI commands configured: changes were not verified", IconWarning))
	}

	lines = append(lines, fmt.Sprintf("  Duration: %s", formatDuration(summary.Duration)))

	return strings.Join(lines, "\n")
}
