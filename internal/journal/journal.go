// Package journal implements the append-only progress log that records
// every orchestration event of a ralph run.
//
// Each line is one entry: an RFC 3339 UTC timestamp, a space, and the
// message. The journal alone is enough to reconstruct what a run did.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultFileName is the conventional journal file name.
const DefaultFileName = "progress.txt"

// archiveStamp is the timestamp layout used in archive file names.
const archiveStamp = "20060102T150405Z"

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time
	Message   string
}

// String renders the entry in its on-disk form, without the newline.
func (e Entry) String() string {
	return e.Timestamp.UTC().Format(time.RFC3339Nano) + " " + e.Message
}

// Journal appends to and reads from a progress file.
type Journal struct {
	path string
	mu   sync.Mutex

	// Now returns the current time. Overridable in tests.
	Now func() time.Time
}

// New returns a journal backed by path. The file is not touched until the
// first Ensure or Append.
func New(path string) *Journal {
	return &Journal{path: path, Now: time.Now}
}

// Path returns the file backing this journal.
func (j *Journal) Path() string {
	return j.path
}

// Ensure creates the journal file (and parent directories) if absent.
// Existing content is left alone.
func (j *Journal) Ensure() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	return f.Close()
}

// Append writes one entry at the end of the journal. Newlines inside the
// message are folded so the entry stays on a single line.
func (j *Journal) Append(message string) (err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{Timestamp: j.Now().UTC(), Message: fold(message)}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close journal: %w", cerr)
		}
	}()

	if _, err := f.WriteString(entry.String() + "\n"); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Appendf formats and appends an entry.
func (j *Journal) Appendf(format string, args ...any) error {
	return j.Append(fmt.Sprintf(format, args...))
}

// Tail returns up to n of the most recent entries, oldest first. A missing
// journal yields an empty slice and no error.
func (j *Journal) Tail(n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	// Ring buffer of the last n lines.
	ring := make([]string, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[start] = line
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	entries := make([]Entry, 0, len(ring))
	for i := range ring {
		entries = append(entries, parseLine(ring[(start+i)%len(ring)]))
	}
	return entries, nil
}

// Archive copies the journal to a timestamped sibling file and truncates
// the live journal. It returns the archive path. Archiving a missing journal
// is an error; nothing is destroyed unless the copy succeeded first.
func (j *Journal) Archive() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	src, err := os.Open(j.path)
	if err != nil {
		return "", fmt.Errorf("open journal: %w", err)
	}
	defer src.Close()

	out, dest, err := j.createArchive(j.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("copy journal: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("close archive: %w", err)
	}

	if err := os.Truncate(j.path, 0); err != nil {
		return dest, fmt.Errorf("truncate journal: %w", err)
	}
	return dest, nil
}

// maxArchiveSuffix bounds the search for a free archive name.
const maxArchiveSuffix = 1000

// createArchive creates a new, empty archive file. Archives taken within
// the same second get a numeric suffix.
func (j *Journal) createArchive(now time.Time) (*os.File, string, error) {
	for n := 0; n < maxArchiveSuffix; n++ {
		dest := j.archivePath(now, n)
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, dest, err
	}
	return nil, "", fmt.Errorf("no free archive name for %s", j.archivePath(now, 0))
}

// archivePath inserts the timestamp before the extension:
// progress.txt -> progress.20261019T101500Z.txt, then
// progress.20261019T101500Z-1.txt and so on.
func (j *Journal) archivePath(now time.Time, n int) string {
	ext := filepath.Ext(j.path)
	stem := strings.TrimSuffix(j.path, ext) + "." + now.Format(archiveStamp)
	if n > 0 {
		stem += fmt.Sprintf("-%d", n)
	}
	return stem + ext
}

// Render formats entries one per line, suitable for inclusion in a prompt.
func Render(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func fold(message string) string {
	message = strings.TrimSpace(message)
	message = strings.ReplaceAll(message, "\r\n", "\n")
	lines := strings.Split(message, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimRight(l, " \t\r"); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, " | ")
}

// parseLine splits a raw line into timestamp and message. Lines without a
// parseable timestamp (hand edits) keep their full text as the message.
func parseLine(line string) Entry {
	ts, msg, found := strings.Cut(line, " ")
	if found {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return Entry{Timestamp: t, Message: msg}
		}
	}
	return Entry{Message: line}
}
