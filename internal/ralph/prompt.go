package ralph

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"featureloop/internal/backlog"
	"featureloop/internal/detect"
	"featureloop/internal/journal"
)

// Placeholders rendered in place of missing values so the agent is told
// explicitly when something is not configured.
const (
	NoTestsPlaceholder    = "(no tests configured)"
	NoBuildPlaceholder    = "(no build command configured)"
	NoProgressPlaceholder = "(no progress recorded yet)"
	NoFeaturePlaceholder  = "(none: every feature passes)"
)

// PromptData holds the values substituted into the agent prompt. Every
// field is already rendered text.
type PromptData struct {
	ProjectName  string
	BacklogFile  string
	ProgressFile string
	Backlog      string // the backlog snapshot as JSON
	Progress     string // journal tail, one entry per line
	FeatureID    string // next feature by priority
	FeatureTitle string
	Remaining    int
	Total        int
	TestCommand  string
	BuildCommand string
	Sentinel     string
}

// NewPromptData builds the substitution record from the current backlog,
// the journal tail and the resolved commands.
func NewPromptData(b backlog.Backlog, tail []journal.Entry, cmds detect.Commands, backlogFile, progressFile, sentinel string) (PromptData, error) {
	snapshot, err := backlog.Encode(b, backlog.FormatJSON)
	if err != nil {
		return PromptData{}, fmt.Errorf("encode backlog snapshot: %w", err)
	}

	data := PromptData{
		ProjectName:  b.ProjectName,
		BacklogFile:  backlogFile,
		ProgressFile: progressFile,
		Backlog:      strings.TrimRight(string(snapshot), "\n"),
		Progress:     strings.TrimRight(journal.Render(tail), "\n"),
		FeatureID:    NoFeaturePlaceholder,
		Remaining:    b.Remaining(),
		Total:        len(b.Features),
		TestCommand:  cmds.Test,
		BuildCommand: cmds.Build,
		Sentinel:     sentinel,
	}
	if next, ok := b.SelectNext(); ok {
		data.FeatureID = next.ID
		data.FeatureTitle = next.Title
	}
	if data.Progress == "" {
		data.Progress = NoProgressPlaceholder
	}
	if data.TestCommand == "" {
		data.TestCommand = NoTestsPlaceholder
	}
	if data.BuildCommand == "" {
		data.BuildCommand = NoBuildPlaceholder
	}
	return data, nil
}

// DefaultTemplate is the built-in instruction template.
//
//go:embed prompt.tmpl
var DefaultTemplate string

// ParseTemplate parses a prompt template. Unknown fields are errors.
func ParseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// LoadTemplate reads a template file. An empty path yields DefaultTemplate.
func LoadTemplate(path string) (*template.Template, error) {
	if path == "" {
		return ParseTemplate("default", DefaultTemplate)
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	return ParseTemplate(path, string(text))
}

// RenderPrompt substitutes data into tmpl.
func RenderPrompt(tmpl *template.Template, data PromptData) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// Compose renders tmpl for the given backlog, journal tail and commands.
func Compose(tmpl *template.Template, b backlog.Backlog, tail []journal.Entry, cmds detect.Commands, backlogFile, progressFile, sentinel string) (string, error) {
	data, err := NewPromptData(b, tail, cmds, backlogFile, progressFile, sentinel)
	if err != nil {
		return "", err
	}
	return RenderPrompt(tmpl, data)
}
