package ralph

import (
	"fmt"
	"io"
	"strings"
)

// maxVerboseLines caps how much of a transcript or CI log is echoed.
const maxVerboseLines = 10

// writef writes formatted output, ignoring errors.
// Use for non-critical output where write failures are acceptable.
func writef(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// printTail prints the last maxVerboseLines non-empty lines of text under
// a label.
func printTail(out io.Writer, label, text string) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return
	}
	if len(lines) > maxVerboseLines {
		writef(out, "  %s (showing last %d lines):\n", label, maxVerboseLines)
		lines = lines[len(lines)-maxVerboseLines:]
	} else {
		writef(out, "  %s:\n", label)
	}
	for _, line := range lines {
		writef(out, "    %s\n", line)
	}
}

// printVerboseOutput prints agent stdout/stderr excerpts.
func printVerboseOutput(out io.Writer, result *AgentResult) {
	printTail(out, "stdout", result.Stdout)
	printTail(out, "stderr", result.Stderr)
}
