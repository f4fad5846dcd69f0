package ralph

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"featureloop/internal/backlog"
	"featureloop/internal/ciguard"
	"featureloop/internal/detect"
	"featureloop/internal/git"
	"featureloop/internal/trace"
)

const twoFeatures = `{
  "projectName": "demo",
  "features": [
    {"id": "F1", "priority": 2, "title": "First", "description": "first feature", "passes": false},
    {"id": "F2", "priority": 1, "title": "Second", "description": "second feature", "passes": false}
  ]
}
`

const oneFeature = `{
  "projectName": "demo",
  "features": [
    {"id": "F1", "priority": 1, "title": "Only", "description": "the only feature", "passes": false}
  ]
}
`

const allPassing = `{
  "projectName": "demo",
  "features": [
    {"id": "F1", "priority": 1, "title": "Done", "description": "", "passes": true},
    {"id": "F2", "priority": 2, "title": "Also done", "description": "", "passes": true}
  ]
}
`

// setupTestGitRepo creates a repository on branch main with one commit.
func setupTestGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "ralph@example.com")
	gitCmd(t, dir, "config", "user.name", "Ralph Test")
	gitCmd(t, dir, "config", "commit.gpgsign", "false")
	gitCmd(t, dir, "commit", "-q", "--allow-empty", "-m", "initial")
	return dir
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// fakeGuard returns scripted results; the last one repeats.
type fakeGuard struct {
	results []ciguard.Result
	calls   []detect.Commands
}

func (g *fakeGuard) Run(_ context.Context, cmds detect.Commands) ciguard.Result {
	g.calls = append(g.calls, cmds)
	if len(g.results) == 0 {
		return green(cmds)
	}
	return g.results[min(len(g.calls), len(g.results))-1]
}

func green(cmds detect.Commands) ciguard.Result {
	return ciguard.Result{
		Passed: true,
		Phases: []ciguard.PhaseResult{{Phase: ciguard.PhaseTest, Command: cmds.Test}},
	}
}

func red(reason string) ciguard.Result {
	return ciguard.Result{
		Passed:      false,
		FailedPhase: ciguard.PhaseBuild,
		Reason:      reason,
		Log:         "=== build: go build ./... ===\n" + reason + "\n",
	}
}

var goCommands = detect.Commands{Test: "go test ./...", Build: "go build ./..."}

func fixedCommands(cmds detect.Commands) func(string) (detect.Result, error) {
	return func(string) (detect.Result, error) {
		return detect.Result{Detector: "go", Commands: cmds}, nil
	}
}

// step is one scripted agent invocation.
type step func(t *testing.T, dir string) *AgentResult

type harness struct {
	t       *testing.T
	dir     string
	out     bytes.Buffer
	guard   *fakeGuard
	prompts []string
	ctrl    *Controller
}

func newHarness(t *testing.T, backlogJSON string, steps ...step) *harness {
	t.Helper()
	dir := setupTestGitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, backlog.DefaultFileName), []byte(backlogJSON), 0o644))
	gitCmd(t, dir, "add", backlog.DefaultFileName)
	gitCmd(t, dir, "commit", "-q", "-m", "add backlog")

	h := &harness{t: t, dir: dir, guard: &fakeGuard{}}
	h.ctrl = &Controller{
		WorkDir:       dir,
		MaxIterations: 3,
		Output:        &h.out,
		RunID:         "run-test",
		Detect:        fixedCommands(goCommands),
		Guard:         h.guard,
		Execute: func(ctx context.Context, prompt string) (*AgentResult, error) {
			h.prompts = append(h.prompts, prompt)
			if len(steps) == 0 {
				t.Fatal("agent invoked but no steps scripted")
			}
			return steps[min(len(h.prompts), len(steps))-1](t, dir), nil
		},
	}
	return h
}

func (h *harness) run() (*RunSummary, error) {
	return h.ctrl.Run(context.Background())
}

func (h *harness) journal() string {
	return readFile(h.t, filepath.Join(h.dir, "progress.txt"))
}

func (h *harness) head() string {
	return gitCmd(h.t, h.dir, "rev-parse", "HEAD")
}

// implement marks id as passing, adds a source file and commits both.
func implement(id string, stdout string) step {
	return func(t *testing.T, dir string) *AgentResult {
		t.Helper()
		writeFeature(t, dir, id)
		gitCmd(t, dir, "add", id+".txt", backlog.DefaultFileName)
		gitCmd(t, dir, "commit", "-q", "-m", "implement "+id)
		return &AgentResult{Stdout: stdout}
	}
}

func writeFeature(t *testing.T, dir, id string) {
	t.Helper()
	path := filepath.Join(dir, backlog.DefaultFileName)
	b, err := backlog.Load(path)
	require.NoError(t, err)
	b, err = b.MarkComplete(id)
	require.NoError(t, err)
	require.NoError(t, backlog.Save(b, path))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".txt"), []byte(id+" implementation\n"), 0o644))
}

func exitWith(code int) step {
	return func(*testing.T, string) *AgentResult {
		return &AgentResult{ExitCode: code, Stdout: "something went wrong"}
	}
}

func say(stdout string) step {
	return func(*testing.T, string) *AgentResult {
		return &AgentResult{Stdout: stdout}
	}
}

func TestController_AllPassingIsDoneWithoutInvokingAgent(t *testing.T) {
	h := newHarness(t, allPassing)

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopDone, summary.StopReason)
	assert.Equal(t, 0, summary.StopReason.ExitCode())
	assert.Zero(t, summary.Iterations)
	assert.Empty(t, h.prompts, "agent must not be invoked")
	assert.Empty(t, h.guard.calls)
	assert.Contains(t, h.journal(), "RUN_START: run run-test")
	assert.Contains(t, h.journal(), "DONE: all 2 feature(s) pass after 0 iteration(s)")
	assert.NoFileExists(t, filepath.Join(h.dir, StatusFileName))
}

func TestController_IteratesByPriorityUntilDone(t *testing.T) {
	h := newHarness(t, twoFeatures, implement("F2", "done with F2"), implement("F1", "done with F1"))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopDone, summary.StopReason)
	assert.Equal(t, 2, summary.Iterations)
	assert.Equal(t, 2, summary.Accepted)
	assert.Zero(t, summary.Remaining)
	require.Len(t, h.prompts, 2)
	assert.Contains(t, h.prompts[0], "That is F2 Second")
	assert.Contains(t, h.prompts[1], "That is F1 First")
	assert.Contains(t, h.prompts[1], "ITERATION_OK: iteration 1 feature F2 now passes", "journal tail reaches the prompt")
	assert.Equal(t, []detect.Commands{goCommands, goCommands}, h.guard.calls)

	j := h.journal()
	assert.Contains(t, j, "ITERATION_OK: iteration 1 feature F2 now passes; 1 new commit(s); 1 of 2 features remaining")
	assert.Contains(t, j, "ITERATION_OK: iteration 2 feature F1 now passes; 1 new commit(s); 0 of 2 features remaining")
	assert.Contains(t, j, "DONE: all 2 feature(s) pass after 2 iteration(s)")
	assert.NotContains(t, j, "EXHAUSTED")
}

func TestController_AgentFailureSkipsCI(t *testing.T) {
	h := newHarness(t, oneFeature, exitWith(1))
	h.ctrl.MaxIterations = 2

	summary, err := h.run()
	require.NoError(t, err)

	assert.Empty(t, h.guard.calls, "CI must not run after an agent failure")
	assert.Equal(t, 2, summary.Iterations, "failures still consume iterations")
	assert.Equal(t, 2, summary.AgentFailures)
	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 2, summary.StopReason.ExitCode())

	j := h.journal()
	assert.Contains(t, j, "AGENT_FAILED: iteration 1 feature F1: agent invocation failure: exit code 1")
	assert.Contains(t, j, "AGENT_FAILED: iteration 2 feature F1: agent invocation failure: exit code 1")
	assert.Contains(t, j, "EXHAUSTED: stopped before completion after 2 iteration(s), 1 of 1 feature(s) still failing: F1")
}

func TestController_AgentFailureRollsBackChanges(t *testing.T) {
	var base string
	crash := func(t *testing.T, dir string) *AgentResult {
		writeFeature(t, dir, "F1")
		gitCmd(t, dir, "add", "-A")
		gitCmd(t, dir, "commit", "-q", "-m", "half done")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644))
		return &AgentResult{ExitCode: 137}
	}
	h := newHarness(t, oneFeature, crash)
	h.ctrl.MaxIterations = 1
	base = h.head()
	original := readFile(t, filepath.Join(h.dir, backlog.DefaultFileName))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, base, h.head())
	assert.Equal(t, original, readFile(t, filepath.Join(h.dir, backlog.DefaultFileName)))
	assert.NoFileExists(t, filepath.Join(h.dir, "scratch.tmp"))
	assert.Contains(t, h.journal(), "exit code 137; changes rolled back to "+git.ShortHash(base))
}

func TestController_InvocationErrorIsRecoverable(t *testing.T) {
	h := newHarness(t, oneFeature)
	h.ctrl.MaxIterations = 1
	h.ctrl.Execute = func(context.Context, string) (*AgentResult, error) {
		return nil, errors.New("exec: \"claude\": executable file not found in $PATH")
	}

	summary, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 1, summary.AgentFailures)
	assert.Contains(t, h.journal(), "AGENT_FAILED: iteration 1 feature F1: agent invocation failure: exec:")
}

func TestController_CIRejectionRestoresHistory(t *testing.T) {
	const reason = "build failed (exit 2): main.go:3:1: syntax error: unexpected }"
	var base string
	retry := func(t *testing.T, dir string) *AgentResult {
		assert.Equal(t, base, gitCmd(t, dir, "rev-parse", "HEAD"), "second attempt starts from the pre-iteration commit")
		return implement("F2", "")(t, dir)
	}
	h := newHarness(t, twoFeatures, implement("F2", ""), retry, implement("F1", ""))
	h.guard.results = []ciguard.Result{red(reason), green(goCommands)}
	base = h.head()
	beforeLog := gitCmd(t, h.dir, "log", "--format=%H")

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopDone, summary.StopReason)
	assert.Equal(t, 3, summary.Iterations)
	assert.Equal(t, 1, summary.CIRejections)
	assert.Equal(t, 2, summary.Accepted)

	j := h.journal()
	assert.Contains(t, j, "CI_REJECTED: iteration 1 feature F2: "+reason+"; rolled back to "+git.ShortHash(base))
	assert.Contains(t, j, "ITERATION_OK: iteration 2 feature F2 now passes")

	// Rejected commit is gone: history is the base plus the two accepted commits.
	afterLog := strings.Split(gitCmd(t, h.dir, "log", "--format=%H"), "\n")
	require.Len(t, afterLog, 4)
	assert.Equal(t, beforeLog, strings.Join(afterLog[2:], "\n"))
}

func TestController_CIRejectionHistoryIdentical(t *testing.T) {
	h := newHarness(t, oneFeature, func(t *testing.T, dir string) *AgentResult {
		implement("F1", "")(t, dir)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "build"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "build", "out.o"), []byte("obj"), 0o644))
		return &AgentResult{}
	})
	h.ctrl.MaxIterations = 1
	h.guard.results = []ciguard.Result{red("test failed (exit 1): FAIL: TestThing")}
	base := h.head()
	original := readFile(t, filepath.Join(h.dir, backlog.DefaultFileName))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, base, h.head())
	assert.Equal(t, original, readFile(t, filepath.Join(h.dir, backlog.DefaultFileName)))
	assert.NoFileExists(t, filepath.Join(h.dir, "F1.txt"))
	assert.NoDirExists(t, filepath.Join(h.dir, "build"))
	assert.Equal(t, "", gitCmd(t, h.dir, "status", "--porcelain", "--", "F1.txt", "build"))
	assert.Contains(t, h.journal(), "CI_REJECTED: iteration 1 feature F1: test failed (exit 1): FAIL: TestThing")
}

func TestController_MalformedBacklogAfterIterationIsRejected(t *testing.T) {
	h := newHarness(t, oneFeature, func(t *testing.T, dir string) *AgentResult {
		require.NoError(t, os.WriteFile(filepath.Join(dir, backlog.DefaultFileName), []byte("{"), 0o644))
		return &AgentResult{}
	})
	h.ctrl.MaxIterations = 1
	original := readFile(t, filepath.Join(h.dir, backlog.DefaultFileName))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Empty(t, h.guard.calls)
	assert.Equal(t, 1, summary.CIRejections)
	assert.Equal(t, original, readFile(t, filepath.Join(h.dir, backlog.DefaultFileName)))
	assert.Contains(t, h.journal(), "CI_REJECTED: iteration 1 feature F1: backlog unreadable after iteration")
}

func TestController_SentinelWithoutChangesIsMismatch(t *testing.T) {
	h := newHarness(t, oneFeature, say("All done!\n"+DefaultSentinel+"\n"))
	h.ctrl.MaxIterations = 1

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 1, summary.SentinelMismatches)
	assert.Empty(t, h.guard.calls, "nothing changed, nothing to verify")
	assert.Contains(t, h.journal(), "SENTINEL_MISMATCH: iteration 1: completion claim rejected, failing: F1")
	assert.Contains(t, h.journal(), "EXHAUSTED")
}

func TestController_SentinelWithCompletedBacklogIsDone(t *testing.T) {
	h := newHarness(t, oneFeature, implement("F1", "finished\n"+DefaultSentinel))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopDone, summary.StopReason)
	assert.Equal(t, 1, summary.Iterations)
	assert.Len(t, h.guard.calls, 1, "a changed tree is verified even when completion is claimed")
	assert.NotContains(t, h.journal(), "SENTINEL_MISMATCH")
}

func TestController_SentinelWithIncompleteBacklogContinues(t *testing.T) {
	h := newHarness(t, twoFeatures, implement("F2", DefaultSentinel), implement("F1", ""))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopDone, summary.StopReason)
	assert.Equal(t, 2, summary.Iterations)
	assert.Equal(t, 1, summary.SentinelMismatches)
	assert.Contains(t, h.journal(), "SENTINEL_MISMATCH: iteration 1: completion claim rejected, failing: F1")
}

func TestController_CustomSentinel(t *testing.T) {
	h := newHarness(t, oneFeature, say("<promise>COMPLETE</promise>"))
	h.ctrl.MaxIterations = 1
	h.ctrl.Sentinel = "ALL-FEATURES-DONE"

	summary, err := h.run()
	require.NoError(t, err)
	assert.Zero(t, summary.SentinelMismatches, "only the configured literal counts")
	assert.Contains(t, h.prompts[0], "print exactly ALL-FEATURES-DONE")
}

func TestController_RollbackFailureIsFatal(t *testing.T) {
	h := newHarness(t, oneFeature, func(t *testing.T, dir string) *AgentResult {
		gitCmd(t, dir, "checkout", "-q", "-b", "side")
		return implement("F1", "")(t, dir)
	})
	h.guard.results = []ciguard.Result{red("build failed (exit 1): boom")}

	summary, err := h.run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ciguard.ErrRollback))
	assert.Equal(t, StopFatal, summary.StopReason)
	assert.Equal(t, 1, summary.StopReason.ExitCode())
	assert.Len(t, h.prompts, 1, "the run aborts instead of continuing")
	assert.Contains(t, h.journal(), "FATAL: rollback: rollback failed: HEAD moved from branch main to branch side")
}

func TestController_MalformedBacklogIsFatal(t *testing.T) {
	h := newHarness(t, `{"projectName": "demo", "features": [{"id": "F1"}]}`)

	summary, err := h.run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, backlog.ErrMalformedBacklog))
	assert.Equal(t, StopFatal, summary.StopReason)
	assert.Empty(t, h.prompts)
	assert.Contains(t, h.journal(), "FATAL: load backlog:")
}

func TestController_MissingBacklogIsFatal(t *testing.T) {
	h := newHarness(t, oneFeature)
	h.ctrl.BacklogPath = "missing.json"

	summary, err := h.run()
	require.Error(t, err)
	assert.Equal(t, StopFatal, summary.StopReason)
	assert.Empty(t, h.prompts)
}

func TestController_DirtyWorktreeIsFatal(t *testing.T) {
	h := newHarness(t, oneFeature)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "notes.txt"), []byte("mine"), 0o644))

	_, err := h.run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, git.ErrDirtyWorktree))
	assert.Empty(t, h.prompts)
	assert.FileExists(t, filepath.Join(h.dir, "notes.txt"), "nothing is cleaned on refusal")
}

func TestController_NoCommitsIsFatal(t *testing.T) {
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, backlog.DefaultFileName), []byte(oneFeature), 0o644))

	var out bytes.Buffer
	ctrl := &Controller{
		WorkDir: dir,
		Output:  &out,
		Detect:  fixedCommands(goCommands),
		Guard:   &fakeGuard{},
		Execute: func(context.Context, string) (*AgentResult, error) {
			t.Fatal("agent must not run without a commit to roll back to")
			return nil, nil
		},
	}
	summary, err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ciguard.ErrRollback))
	assert.Equal(t, StopFatal, summary.StopReason)
}

func TestController_DryRun(t *testing.T) {
	h := newHarness(t, twoFeatures)
	h.ctrl.DryRun = true
	h.ctrl.Verbose = true

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 2, summary.StopReason.ExitCode())
	assert.Equal(t, 3, summary.Iterations)
	assert.Equal(t, 3, summary.Accepted)
	assert.Empty(t, h.prompts, "dry run never invokes the agent")
	assert.Len(t, h.guard.calls, 3, "CI runs every iteration")
	assert.Contains(t, h.out.String(), "would invoke the agent for F2")
	assert.Contains(t, h.out.String(), "That is F2 Second", "verbose dry run prints the prompt")

	j := h.journal()
	assert.Contains(t, j, "DRY_RUN: iteration 1 feature F2: agent not invoked")
	assert.Contains(t, j, "DRY_RUN: iteration 3 feature F2: agent not invoked")
	assert.Contains(t, j, "EXHAUSTED: stopped before completion after 3 iteration(s), 2 of 2 feature(s) still failing")
}

func TestController_DryRunSkipsRollback(t *testing.T) {
	h := newHarness(t, oneFeature)
	h.ctrl.DryRun = true
	h.ctrl.MaxIterations = 2
	h.guard.results = []ciguard.Result{red("build failed")}
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "notes.txt"), []byte("mine"), 0o644))
	before := h.head()

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 2, summary.CIRejections)
	assert.Equal(t, before, h.head())
	assert.FileExists(t, filepath.Join(h.dir, "notes.txt"), "dry run never cleans")
	j := h.journal()
	assert.Contains(t, j, "WARNING: "+git.ErrDirtyWorktree.Error())
	assert.Contains(t, j, "CI rejected: build failed; rollback skipped")
	assert.NotContains(t, j, "CI_REJECTED")
}

func TestController_DryRunOutsideRepository(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, backlog.DefaultFileName), []byte(oneFeature), 0o644))

	var out bytes.Buffer
	ctrl := &Controller{WorkDir: dir, DryRun: true, MaxIterations: 1, Output: &out, Detect: fixedCommands(goCommands), Guard: &fakeGuard{}}
	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Contains(t, readFile(t, filepath.Join(dir, "progress.txt")), "WARNING: not a git repository")
}

func TestController_AllPassingInDirtyTreeIsDone(t *testing.T) {
	h := newHarness(t, allPassing)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "scratch.txt"), []byte("wip"), 0o644))

	summary, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, StopDone, summary.StopReason)
	assert.Equal(t, 0, summary.StopReason.ExitCode())
	assert.FileExists(t, filepath.Join(h.dir, "scratch.txt"))
	assert.NotContains(t, h.journal(), "WARNING")
}

func TestController_AllPassingOutsideRepositoryIsDone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, backlog.DefaultFileName), []byte(allPassing), 0o644))

	var out bytes.Buffer
	ctrl := &Controller{
		WorkDir: dir,
		Output:  &out,
		Detect: func(string) (detect.Result, error) {
			t.Fatal("nothing to detect for a complete backlog")
			return detect.Result{}, nil
		},
		Guard: &fakeGuard{},
	}
	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopDone, summary.StopReason)
	assert.Contains(t, readFile(t, filepath.Join(dir, "progress.txt")), "DONE: all 2 feature(s) pass after 0 iteration(s)")
}

func TestController_NoCommandsWarns(t *testing.T) {
	h := newHarness(t, oneFeature, implement("F1", ""))
	h.ctrl.Detect = fixedCommands(detect.Commands{})
	h.ctrl.Guard = nil // real guard: passes with a warning

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopDone, summary.StopReason)
	assert.True(t, summary.Unverified)
	j := h.journal()
	assert.Contains(t, j, "WARNING: no build or test command configured")
	assert.Contains(t, j, "(unverified: no CI commands)")
	assert.Contains(t, h.prompts[0], NoTestsPlaceholder)
	assert.Contains(t, h.prompts[0], NoBuildPlaceholder)
}

func TestController_BacklogOverrideReachesGuard(t *testing.T) {
	const withOverride = `{
  "projectName": "demo",
  "features": [{"id": "F1", "priority": 1, "title": "Only", "description": "", "passes": false}],
  "ciConfig": {"testCommand": "make check", "buildCommand": ""}
}
`
	h := newHarness(t, withOverride, implement("F1", ""))

	_, err := h.run()
	require.NoError(t, err)
	require.NotEmpty(t, h.guard.calls)
	assert.Equal(t, detect.Commands{Test: "make check"}, h.guard.calls[0])
}

func TestController_AgentCannotRewriteItsCIGate(t *testing.T) {
	const gated = `{
  "projectName": "demo",
  "features": [{"id": "F1", "priority": 1, "title": "Only", "description": "", "passes": false}],
  "ciConfig": {"testCommand": "test ! -f broken.txt", "buildCommand": ""}
}
`
	h := newHarness(t, gated, func(t *testing.T, dir string) *AgentResult {
		path := filepath.Join(dir, backlog.DefaultFileName)
		b, err := backlog.Load(path)
		require.NoError(t, err)
		b, err = b.MarkComplete("F1")
		require.NoError(t, err)
		weaker := "true"
		b.CIConfig.TestCommand = &weaker
		require.NoError(t, backlog.Save(b, path))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.txt"), []byte("broken\n"), 0o644))
		gitCmd(t, dir, "add", "broken.txt", backlog.DefaultFileName)
		gitCmd(t, dir, "commit", "-q", "-m", "weaken the gate")
		return &AgentResult{Stdout: "all done"}
	})
	h.ctrl.MaxIterations = 1
	h.ctrl.Detect = fixedCommands(detect.Commands{})
	h.ctrl.Guard = ciguard.New(h.dir)
	before := h.head()
	original := readFile(t, filepath.Join(h.dir, backlog.DefaultFileName))

	summary, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Equal(t, 1, summary.CIRejections)
	assert.Zero(t, summary.Accepted)
	assert.Equal(t, before, h.head())
	assert.NoFileExists(t, filepath.Join(h.dir, "broken.txt"))
	assert.Equal(t, original, readFile(t, filepath.Join(h.dir, backlog.DefaultFileName)))
	j := h.journal()
	assert.Contains(t, j, `CI_COMMANDS: build "", test "test ! -f broken.txt"`)
	assert.Contains(t, j, "CI_REJECTED: iteration 1 feature F1")
	assert.NotContains(t, j, "ITERATION_OK")
}

func TestController_CommandsAreResolvedOnce(t *testing.T) {
	h := newHarness(t, twoFeatures, implement("F2", ""), implement("F1", ""))
	calls := 0
	h.ctrl.Detect = func(string) (detect.Result, error) {
		calls++
		return detect.Result{Detector: "go", Commands: goCommands}, nil
	}

	_, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []detect.Commands{goCommands, goCommands}, h.guard.calls)
}

func TestController_RegressionIsWarnedNotRepaired(t *testing.T) {
	const mixed = `{
  "projectName": "demo",
  "features": [
    {"id": "F1", "priority": 1, "title": "Old", "description": "", "passes": true},
    {"id": "F2", "priority": 2, "title": "New", "description": "", "passes": false}
  ]
}
`
	h := newHarness(t, mixed, func(t *testing.T, dir string) *AgentResult {
		path := filepath.Join(dir, backlog.DefaultFileName)
		b, err := backlog.Load(path)
		require.NoError(t, err)
		b.Features[0].Passes = false
		b.Features[1].Passes = true
		require.NoError(t, backlog.Save(b, path))
		gitCmd(t, dir, "commit", "-q", "-am", "swap")
		return &AgentResult{}
	})
	h.ctrl.MaxIterations = 1

	summary, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, summary.StopReason)
	assert.Contains(t, h.journal(), "WARNING: feature F1 regressed from passing to failing")

	b, err := backlog.Load(filepath.Join(h.dir, backlog.DefaultFileName))
	require.NoError(t, err)
	assert.False(t, b.Features[0].Passes, "the controller never writes passes")
}

func TestController_UncommittedChangesAreWarned(t *testing.T) {
	h := newHarness(t, oneFeature, func(t *testing.T, dir string) *AgentResult {
		writeFeature(t, dir, "F1")
		return &AgentResult{}
	})

	summary, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, StopDone, summary.StopReason)
	assert.Contains(t, h.journal(), "WARNING: iteration 1 left uncommitted changes: F1.txt")
	assert.Contains(t, h.journal(), "0 new commit(s)")
}

func TestController_CancellationRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, oneFeature, func(t *testing.T, dir string) *AgentResult {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.go"), []byte("package x"), 0o644))
		cancel()
		return &AgentResult{ExitCode: -1}
	})

	summary, err := h.ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, summary.StopReason)
	assert.Equal(t, 5, summary.StopReason.ExitCode())
	assert.Empty(t, h.guard.calls)
	assert.NoFileExists(t, filepath.Join(h.dir, "partial.go"))
	assert.Contains(t, h.journal(), "CANCELLED: context canceled")
}

func TestController_JournalSurvivesRollback(t *testing.T) {
	h := newHarness(t, oneFeature, implement("F1", ""))
	h.ctrl.MaxIterations = 2
	h.guard.results = []ciguard.Result{red("build failed (exit 1): nope")}

	_, err := h.run()
	require.NoError(t, err)

	j := h.journal()
	assert.Contains(t, j, "RUN_START")
	assert.Contains(t, j, "CI_REJECTED: iteration 1")
	assert.Contains(t, j, "CI_REJECTED: iteration 2")
	assert.Contains(t, j, "EXHAUSTED")
	assert.Less(t, strings.Index(j, "RUN_START"), strings.Index(j, "CI_REJECTED: iteration 1"))
}

func TestController_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := trace.NewWithProcessor(rec)
	h := newHarness(t, oneFeature, implement("F1", ""))
	h.ctrl.Tracer = provider.Tracer()

	_, err := h.run()
	require.NoError(t, err)
	require.NoError(t, provider.Shutdown(context.Background()))

	names := map[string]bool{}
	var outcome string
	for _, s := range rec.Ended() {
		names[s.Name()] = true
		if s.Name() == trace.SpanRun {
			for _, kv := range s.Attributes() {
				if kv.Key == trace.AttrOutcome {
					outcome = kv.Value.AsString()
				}
			}
		}
	}
	for _, want := range []string{trace.SpanRun, trace.SpanIteration, trace.SpanAgent, trace.SpanCI} {
		assert.True(t, names[want], "missing span %s", want)
	}
	assert.False(t, names[trace.SpanRollback])
	assert.Equal(t, "done", outcome)
}

func TestController_BacklogInSubdirectory(t *testing.T) {
	h := newHarness(t, oneFeature)
	require.NoError(t, os.MkdirAll(filepath.Join(h.dir, "docs"), 0o755))
	gitCmd(t, h.dir, "mv", backlog.DefaultFileName, "docs/prd.json")
	gitCmd(t, h.dir, "commit", "-q", "-m", "move backlog")
	h.ctrl.BacklogPath = "docs/prd.json"
	h.ctrl.MaxIterations = 1
	h.ctrl.Execute = func(_ context.Context, prompt string) (*AgentResult, error) {
		h.prompts = append(h.prompts, prompt)
		return &AgentResult{}, nil
	}

	_, err := h.run()
	require.NoError(t, err)
	require.Len(t, h.prompts, 1)
	assert.Contains(t, h.prompts[0], "The backlog lives in docs/prd.json.")
}

func TestController_StatusFileIsExcludedFromGit(t *testing.T) {
	h := newHarness(t, oneFeature, func(t *testing.T, dir string) *AgentResult {
		require.FileExists(t, filepath.Join(dir, StatusFileName))
		gitCmd(t, dir, "add", "-A")
		assert.NotContains(t, gitCmd(t, dir, "status", "--porcelain"), StatusFileName)
		return implement("F1", "")(t, dir)
	})

	summary, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, StopDone, summary.StopReason)

	exclude := readFile(t, filepath.Join(h.dir, ".git", "info", "exclude"))
	assert.Contains(t, exclude, "/"+StatusFileName+"\n")
	assert.NotContains(t, gitCmd(t, h.dir, "show", "--name-only", "--format=", "HEAD"), StatusFileName)
}
