package config

import (
	"fmt"
	"os"
	"strings"

	"featureloop/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "agent.timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.BacklogFile) == "" {
		errs = append(errs, ValidationError{
			Field:   "backlog_file",
			Value:   c.BacklogFile,
			Message: "must not be empty",
		})
	}
	if strings.TrimSpace(c.ProgressFile) == "" {
		errs = append(errs, ValidationError{
			Field:   "progress_file",
			Value:   c.ProgressFile,
			Message: "must not be empty",
		})
	}
	if c.MaxIterations < 1 {
		errs = append(errs, ValidationError{
			Field:   "max_iterations",
			Value:   c.MaxIterations,
			Message: "must be at least 1",
		})
	}
	if strings.TrimSpace(c.Sentinel) == "" {
		errs = append(errs, ValidationError{
			Field:   "sentinel",
			Value:   c.Sentinel,
			Message: "must not be empty",
		})
	}

	errs = append(errs, c.validateAgent()...)

	if c.Prompt.TemplateFile != "" {
		if _, err := os.Stat(c.Resolve(c.Prompt.TemplateFile)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "prompt.template_file",
				Value:   c.Prompt.TemplateFile,
				Message: "file is not readable",
			})
		}
	}

	if c.Journal.Tail < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.tail",
			Value:   c.Journal.Tail,
			Message: "must be zero or positive",
		})
	}

	if !logging.IsValidLevel(c.Log.Level) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.ToLower(strings.Join(logging.ValidLevels(), ", "))),
		})
	}

	return errs
}

func (c *Config) validateAgent() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must not be empty",
		})
	}
	if c.Agent.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "agent.timeout",
			Value:   c.Agent.Timeout,
			Message: "must be zero (no limit) or positive",
		})
	}
	// The PTY runner has no stdin channel.
	if c.Agent.PTY && c.Agent.PromptStdin {
		errs = append(errs, ValidationError{
			Field:   "agent.prompt_stdin",
			Value:   c.Agent.PromptStdin,
			Message: "cannot be combined with agent.pty",
		})
	}

	return errs
}
