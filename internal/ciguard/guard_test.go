package ciguard

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featureloop/internal/detect"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 19, 10, 15, 0, 0, time.UTC) }

func newGuard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	return New(t.TempDir(), append([]Option{WithClock(fixedNow)}, opts...)...)
}

func TestRun_NoCommands(t *testing.T) {
	res := newGuard(t).Run(context.Background(), detect.Commands{})

	assert.True(t, res.Passed)
	assert.True(t, res.Unverified())
	assert.Equal(t, NoCommandsWarning, res.Warning)
	assert.Empty(t, res.Log)
}

func TestRun_BuildThenTest(t *testing.T) {
	res := newGuard(t).Run(context.Background(), detect.Commands{
		Build: "echo compiling",
		Test:  "echo testing; echo to-stderr >&2",
	})

	require.True(t, res.Passed, res.Log)
	assert.False(t, res.Unverified())
	require.Len(t, res.Phases, 2)
	assert.Equal(t, PhaseBuild, res.Phases[0].Phase)
	assert.Equal(t, PhaseTest, res.Phases[1].Phase)

	assert.Contains(t, res.Log, "=== build: echo compiling [2026-10-19T10:15:00Z] ===")
	assert.Contains(t, res.Log, "=== test: echo testing; echo to-stderr >&2 [2026-10-19T10:15:00Z] ===")
	assert.Contains(t, res.Log, "to-stderr")
	assert.Less(t, strings.Index(res.Log, "compiling"), strings.Index(res.Log, "testing"))
}

func TestRun_BuildFailureFailFast(t *testing.T) {
	res := newGuard(t).Run(context.Background(), detect.Commands{
		Build: "echo 'main.go:3:1: syntax error: unexpected }'; exit 2",
		Test:  "echo should-not-run",
	})

	assert.False(t, res.Passed)
	assert.Equal(t, PhaseBuild, res.FailedPhase)
	assert.Equal(t, "build failed (exit 2): main.go:3:1: syntax error: unexpected }", res.Reason)
	require.Len(t, res.Phases, 2)
	assert.True(t, res.Phases[1].Skipped)
	assert.NotContains(t, res.Log, "should-not-run")
	assert.Contains(t, res.Log, "=== test: skipped (build failed) ===")
}

func TestRun_BuildFailureWithoutFailFast(t *testing.T) {
	res := newGuard(t, WithFailFast(false)).Run(context.Background(), detect.Commands{
		Build: "exit 1",
		Test:  "echo still-ran",
	})

	assert.False(t, res.Passed)
	assert.Equal(t, PhaseBuild, res.FailedPhase)
	assert.Contains(t, res.Log, "still-ran")
	assert.False(t, res.Phases[1].Skipped)
}

func TestRun_TestOnlyFailure(t *testing.T) {
	res := newGuard(t).Run(context.Background(), detect.Commands{
		Test: "echo ok 1; echo 'FAIL: TestThing'; echo done; exit 1",
	})

	assert.False(t, res.Passed)
	assert.Equal(t, PhaseTest, res.FailedPhase)
	assert.Equal(t, "test failed (exit 1): FAIL: TestThing", res.Reason)
	require.Len(t, res.Phases, 1)
}

func TestRun_CommandFactoryAndDir(t *testing.T) {
	var gotDir, gotCommand string
	factory := func(ctx context.Context, dir, command string) *exec.Cmd {
		gotDir, gotCommand = dir, command
		return exec.CommandContext(ctx, "true")
	}
	g := newGuard(t, WithCommandFactory(factory))

	res := g.Run(context.Background(), detect.Commands{Test: "make check"})

	assert.True(t, res.Passed)
	assert.Equal(t, g.Dir(), gotDir)
	assert.Equal(t, "make check", gotCommand)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newGuard(t).Run(ctx, detect.Commands{Test: "sleep 5"})

	assert.False(t, res.Passed)
	assert.Equal(t, PhaseTest, res.FailedPhase)
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"empty", "", ""},
		{"last line fallback", "one\ntwo\n\n", "two"},
		{"first error wins", "ok\nerror: first\nerror: second\n", "error: first"},
		{"failure keyword", "running\n--- FAIL: TestX\n", "--- FAIL: TestX"},
		{"truncated", strings.Repeat("x", 300), strings.Repeat("x", maxReasonLen) + "..."},
		{"truncated on rune boundary", "x" + strings.Repeat("é", 200), "x" + strings.Repeat("é", (maxReasonLen-1)/2) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := excerpt([]byte(tt.out))
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
