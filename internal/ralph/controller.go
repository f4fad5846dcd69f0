package ralph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"featureloop/internal/backlog"
	"featureloop/internal/ciguard"
	"featureloop/internal/detect"
	"featureloop/internal/git"
	"featureloop/internal/journal"
	"featureloop/internal/logging"
	"featureloop/internal/trace"
)

// Repo is the version-control surface the Controller needs.
type Repo interface {
	ciguard.Repo
	Changes(ctx context.Context, ignore ...string) ([]string, error)
	CommitsSince(ctx context.Context, base string) (int, error)
}

var _ Repo = (*git.Repo)(nil)

// excluder hides run-private files from git so an agent's "git add -A"
// cannot commit them.
type excluder interface {
	Exclude(paths ...string) error
}

var _ excluder = (*git.Repo)(nil)

// CIRunner evaluates resolved CI commands. *ciguard.Guard implements it.
type CIRunner interface {
	Run(ctx context.Context, cmds detect.Commands) ciguard.Result
}

// Controller drives the agent through the backlog one iteration at a time.
// Each iteration ends in exactly one of AGENT_FAILED, CI_REJECTED or
// ITERATION_OK, and every change the CI Guard did not accept is rolled back
// before the next iteration starts.
type Controller struct {
	WorkDir       string
	BacklogPath   string // relative to WorkDir unless absolute
	MaxIterations int
	DryRun        bool
	Verbose       bool
	Sentinel      string
	Template      *template.Template
	JournalTail   int

	// Journal defaults to progress.txt in WorkDir.
	Journal *journal.Journal
	Logger  *logging.Logger
	Tracer  oteltrace.Tracer
	Output  io.Writer // defaults to os.Stdout

	// AgentOptions configure the default Execute.
	AgentOptions []Option

	// ExtraOwned lists files the run owns besides the journal and status
	// file (log file, config file). They are never cleaned by rollback and
	// never count as agent changes.
	ExtraOwned []string

	RunID string
	Now   func() time.Time

	// Test hooks: nil means use real implementations.
	Execute func(ctx context.Context, prompt string) (*AgentResult, error)
	Detect  func(root string) (detect.Result, error)
	Guard   CIRunner
	Repo    Repo
}

// run is the mutable state of one Controller.Run call.
type run struct {
	c       *Controller
	out     io.Writer
	styles  RalphStyles
	log     *logging.Logger
	tracer  oteltrace.Tracer
	journal *journal.Journal
	status  *StatusWriter
	summary *RunSummary
	start   time.Time

	workDir     string
	backlogPath string
	owned       []string // journal, status file, extras
	ignored     []string // owned plus the backlog, for change detection

	repo    Repo
	guard   CIRunner
	tmpl    *template.Template
	cmds    detect.Commands
	passing map[string]bool

	journalErr error
}

// Run drives the loop until every feature passes, the iteration bound is
// reached, the context is cancelled, or a fatal error occurs. The summary
// is never nil; its StopReason is StopFatal whenever err is non-nil.
func (c *Controller) Run(ctx context.Context) (*RunSummary, error) {
	r := c.newRun()

	ctx, span := r.tracer.Start(ctx, trace.SpanRun, oteltrace.WithAttributes(
		trace.AttrRunID.String(r.summary.RunID),
	))
	defer span.End()

	err := r.loop(ctx)
	if err == nil && r.journalErr != nil {
		err = fmt.Errorf("journal: %w", r.journalErr)
	}
	if err != nil {
		r.summary.StopReason = StopFatal
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.summary.Duration = r.now().Sub(r.start)
	span.SetAttributes(
		trace.AttrOutcome.String(r.summary.StopReason.String()),
		trace.AttrIteration.Int(r.summary.Iterations),
	)

	if cerr := r.status.Clear(); cerr != nil {
		r.log.Warn("clear status file", "error", cerr)
	}
	writef(r.out, "\n%s\n", formatSummary(r.summary))
	return r.summary, err
}

func (c *Controller) newRun() *run {
	r := &run{
		c:       c,
		out:     c.Output,
		styles:  DefaultStyles(),
		log:     c.Logger,
		tracer:  c.Tracer,
		journal: c.Journal,
		summary: &RunSummary{RunID: c.RunID},
		passing: make(map[string]bool),
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	if r.log == nil {
		r.log = logging.NopLogger()
	}
	if r.tracer == nil {
		r.tracer = trace.Disabled().Tracer()
	}
	if r.summary.RunID == "" {
		r.summary.RunID = uuid.NewString()
	}
	r.log = r.log.WithRun(r.summary.RunID)
	r.start = r.now()

	r.workDir = resolvePath(c.WorkDir, ".")
	r.backlogPath = r.path(c.BacklogPath, backlog.DefaultFileName)
	if r.journal == nil {
		r.journal = journal.New(r.path("", journal.DefaultFileName))
	}
	r.status = NewStatusWriter(r.workDir)

	r.owned = []string{resolvePath(r.journal.Path(), ""), r.status.Path()}
	for _, p := range c.ExtraOwned {
		r.owned = append(r.owned, resolvePath(p, ""))
	}
	r.ignored = append(append([]string(nil), r.owned...), r.backlogPath)
	return r
}

func (r *run) now() time.Time {
	if r.c.Now != nil {
		return r.c.Now()
	}
	return time.Now()
}

func (r *run) maxIterations() int {
	if r.c.MaxIterations > 0 {
		return r.c.MaxIterations
	}
	return DefaultMaxIterations
}

func (r *run) sentinel() string {
	if r.c.Sentinel != "" {
		return r.c.Sentinel
	}
	return DefaultSentinel
}

func (r *run) journalTail() int {
	if r.c.JournalTail > 0 {
		return r.c.JournalTail
	}
	return DefaultJournalTail
}

// path resolves p against the working directory, falling back to def.
func (r *run) path(p, def string) string {
	if p == "" {
		p = def
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.workDir, p)
	}
	return resolvePath(p, p)
}

// display renders p relative to the working directory when it lies inside.
func (r *run) display(p string) string {
	if rel, err := filepath.Rel(r.workDir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return p
}

// resolvePath makes p absolute and resolves symlinks in its directory so
// paths compare equal to the ones git reports.
func resolvePath(p, def string) string {
	if p == "" {
		p = def
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// record appends an entry to the journal and mirrors it to the log. The
// first journal error is kept and ends the run after the current step.
func (r *run) record(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.log.Info("journal", "entry", msg)
	if err := r.journal.Append(msg); err != nil && r.journalErr == nil {
		r.journalErr = err
		r.log.Error("append journal entry", "error", err)
	}
}

// warn reports a condition on every channel: operator output, log and journal.
func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writef(r.out, "%s\n", r.styles.Warning.Render(IconWarning+" "+msg))
	r.log.Warn(msg)
	r.record("WARNING: %s", msg)
}

// fatal journals an unrecoverable error and returns it wrapped.
func (r *run) fatal(what string, err error) error {
	err = fmt.Errorf("%s: %w", what, err)
	writef(r.out, "%s\n", r.styles.Error.Render(IconFailed+" fatal: "+err.Error()))
	r.log.Error("fatal", "error", err)
	r.record("FATAL: %v", err)
	return err
}

func (r *run) writeStatus(phase State, iteration int, f *backlog.Feature) {
	st := Status{
		RunID:         r.summary.RunID,
		State:         "running",
		Phase:         phase,
		Iteration:     iteration,
		MaxIterations: r.maxIterations(),
		Remaining:     r.summary.Remaining,
		Total:         r.summary.Total,
		Elapsed:       int64(r.now().Sub(r.start)),
		UpdatedAt:     r.now().UTC(),
	}
	if f != nil {
		st.CurrentFeature = &FeatureInfo{ID: f.ID, Title: f.Title}
	}
	st.Tallies.Accepted = r.summary.Accepted
	st.Tallies.AgentFailures = r.summary.AgentFailures
	st.Tallies.CIRejections = r.summary.CIRejections
	if err := r.status.Write(st); err != nil {
		r.log.Warn("write status file", "error", err)
	}
}

// observe updates the summary from a freshly loaded backlog and reports
// features that went from passing back to failing.
func (r *run) observe(b backlog.Backlog) {
	r.summary.Total = len(b.Features)
	r.summary.Remaining = b.Remaining()
	for _, f := range b.Features {
		if r.passing[f.ID] && !f.Passes {
			r.warn("feature %s regressed from passing to failing", f.ID)
		}
		r.passing[f.ID] = f.Passes
	}
}

// resolve detects CI commands for the working directory and layers the
// backlog override on top. It runs once, at INIT; the gate stays fixed for
// the rest of the run.
func (r *run) resolve(b backlog.Backlog) (detect.Commands, error) {
	detectFn := r.c.Detect
	if detectFn == nil {
		detectFn = detect.Detect
	}
	res, err := detectFn(r.workDir)
	if err != nil {
		return detect.Commands{}, err
	}
	r.log.Debug("detected ci commands", "detector", res.Detector, "test", res.Commands.Test, "build", res.Commands.Build)
	return detect.Resolve(res.Commands, b.CIConfig), nil
}

func (r *run) loop(ctx context.Context) error {
	if err := r.journal.Ensure(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	b, err := backlog.Load(r.backlogPath)
	if err != nil {
		return r.fatal("load backlog", err)
	}
	r.observe(b)

	writef(r.out, "%s\n", r.styles.Title.Render(fmt.Sprintf("ralph: %s (%d of %d features remaining)",
		b.ProjectName, r.summary.Remaining, r.summary.Total)))
	r.record("RUN_START: run %s project %q, %d of %d features remaining, max %d iteration(s)",
		r.summary.RunID, b.ProjectName, r.summary.Remaining, r.summary.Total, r.maxIterations())

	// Nothing to do needs neither a repository nor a clean tree.
	if b.Complete() {
		r.done(0)
		return nil
	}

	tmpl := r.c.Template
	if tmpl == nil {
		if tmpl, err = ParseTemplate("default", DefaultTemplate); err != nil {
			return r.fatal("prompt template", err)
		}
	}
	r.tmpl = tmpl

	if r.cmds, err = r.resolve(b); err != nil {
		return r.fatal("detect ci commands", err)
	}
	writef(r.out, "  build: %s\n  test:  %s\n",
		r.styles.Command.Render(orPlaceholder(r.cmds.Build, NoBuildPlaceholder)),
		r.styles.Command.Render(orPlaceholder(r.cmds.Test, NoTestsPlaceholder)))
	r.record("CI_COMMANDS: build %q, test %q, fixed for this run", r.cmds.Build, r.cmds.Test)
	if r.cmds.Empty() {
		r.summary.Unverified = true
		r.warn("%s", ciguard.NoCommandsWarning)
	}

	if err := r.openRepo(ctx); err != nil {
		return err
	}

	r.guard = r.c.Guard
	if r.guard == nil {
		r.guard = ciguard.New(r.workDir)
	}

	for i := 1; i <= r.maxIterations(); i++ {
		if ctx.Err() != nil {
			r.cancelled(ctx, nil)
			return nil
		}
		stop, err := r.iterate(ctx, i)
		if err != nil {
			return err
		}
		if r.journalErr != nil {
			return fmt.Errorf("journal: %w", r.journalErr)
		}
		if stop {
			return nil
		}
	}

	r.exhausted()
	return nil
}

// openRepo opens the repository and refuses to start on a dirty tree:
// rollback removes untracked files, so anything not committed before the
// run would be lost.
func (r *run) openRepo(ctx context.Context) error {
	if r.c.Repo != nil {
		r.repo = r.c.Repo
	} else {
		repo, err := git.Open(ctx, r.workDir)
		if err != nil {
			if r.c.DryRun {
				r.warn("not a git repository, rollback unavailable: %v", err)
				return nil
			}
			return r.fatal("open repository", err)
		}
		r.repo = repo
	}

	if ex, ok := r.repo.(excluder); ok {
		if err := ex.Exclude(r.status.Path()); err != nil {
			r.log.Warn("exclude status file from git", "error", err)
		}
	}

	changes, err := r.repo.Changes(ctx, r.ignored...)
	if err != nil {
		return r.fatal("inspect working tree", err)
	}
	if len(changes) == 0 {
		return nil
	}
	err = fmt.Errorf("%w: %s", git.ErrDirtyWorktree, strings.Join(changes, ", "))
	if r.c.DryRun {
		r.warn("%v", err)
		return nil
	}
	return r.fatal("commit or stash local changes first", err)
}

// iterate runs iteration i. stop is true when the run reached a terminal
// state.
func (r *run) iterate(ctx context.Context, i int) (stop bool, err error) {
	b, err := backlog.Load(r.backlogPath)
	if err != nil {
		return true, r.fatal(fmt.Sprintf("iteration %d: load backlog", i), err)
	}
	r.observe(b)
	if b.Complete() {
		r.done(i - 1)
		return true, nil
	}
	feature, _ := b.SelectNext()

	r.summary.Iterations = i
	log := r.log.WithIteration(i).WithFeature(feature.ID)
	ctx, span := r.tracer.Start(ctx, trace.SpanIteration, oteltrace.WithAttributes(
		trace.AttrIteration.Int(i),
		trace.AttrFeatureID.String(feature.ID),
		trace.AttrProject.String(b.ProjectName),
	))
	defer span.End()

	writef(r.out, "\n%s %s %s\n",
		r.styles.Muted.Render(fmt.Sprintf("[%d/%d]", i, r.maxIterations())),
		r.styles.FeatureID.Render(feature.ID),
		feature.Title)
	r.writeStatus(StateIterating, i, &feature)

	tail, err := r.journal.Tail(r.journalTail())
	if err != nil {
		return true, r.fatal("read journal", err)
	}
	prompt, err := Compose(r.tmpl, b, tail, r.cmds, r.display(r.backlogPath), r.display(r.owned[0]), r.sentinel())
	if err != nil {
		return true, r.fatal("compose prompt", err)
	}
	log.Debug("composed prompt", "bytes", len(prompt))

	iterStart := r.now()
	var (
		outcome State
		detail  string
	)
	if r.c.DryRun {
		outcome, detail = r.dryRun(ctx, log, i, feature, prompt)
	} else {
		cp, err := ciguard.Capture(ctx, r.repo, r.backlogPath)
		if err != nil {
			return true, r.fatal("capture checkpoint", err)
		}
		outcome, detail, stop, err = r.attempt(ctx, log, i, b, feature, prompt, cp)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return true, err
		}
	}
	span.SetAttributes(trace.AttrOutcome.String(outcome.String()))
	r.writeStatus(outcome, i, &feature)

	style := r.styles.StatusStyle(outcome)
	writef(r.out, "%s\n", style.Render(StatusIcon(outcome)+" "+
		formatIterationLog(i, r.maxIterations(), feature.ID, feature.Title, outcome, r.now().Sub(iterStart), detail)))
	return stop, nil
}

// attempt invokes the agent and gates its work through the CI Guard.
func (r *run) attempt(ctx context.Context, log *logging.Logger, i int, b backlog.Backlog, feature backlog.Feature, prompt string, cp ciguard.Checkpoint) (outcome State, detail string, stop bool, err error) {
	result, invErr := r.invoke(ctx, log, prompt)
	if ctx.Err() != nil {
		return StateIterating, "cancelled", true, r.cancelled(ctx, &cp)
	}

	changed, err := r.changed(ctx, cp)
	if err != nil {
		return 0, "", true, r.fatal("inspect working tree", err)
	}

	if invErr != nil || result.Failed() {
		r.summary.AgentFailures++
		reason := agentFailureReason(result, invErr)
		log.Warn("agent failed", "reason", reason)
		if r.c.Verbose && result != nil {
			printVerboseOutput(r.out, result)
		}
		suffix := ""
		if changed {
			if err := r.rollback(ctx, cp); err != nil {
				return 0, "", true, err
			}
			suffix = "; changes rolled back to " + git.ShortHash(cp.Head)
		}
		r.record("AGENT_FAILED: iteration %d feature %s: %s%s", i, feature.ID, reason, suffix)
		return StateAgentFailed, reason, false, nil
	}

	claimed := ContainsSentinel(result.Stdout, r.sentinel())
	if claimed && !changed {
		// The backlog is byte-identical to b, so the claim cannot hold.
		r.sentinelMismatch(i, b)
		return StateIterationOK, "no changes; completion claim rejected", false, nil
	}

	after, loadErr := backlog.Load(r.backlogPath)
	var ci ciguard.Result
	if loadErr != nil {
		ci = ciguard.Result{Reason: fmt.Sprintf("backlog unreadable after iteration: %v", loadErr)}
	} else {
		ci = r.runCI(ctx, log, r.cmds)
	}
	if ctx.Err() != nil {
		return StateIterating, "cancelled", true, r.cancelled(ctx, &cp)
	}

	if !ci.Passed {
		r.summary.CIRejections++
		log.Warn("ci rejected iteration", "phase", string(ci.FailedPhase), "reason", ci.Reason)
		if r.c.Verbose {
			printTail(r.out, "ci log", ci.Log)
		}
		if err := r.rollback(ctx, cp); err != nil {
			return 0, "", true, err
		}
		r.record("CI_REJECTED: iteration %d feature %s: %s; rolled back to %s",
			i, feature.ID, ci.Reason, git.ShortHash(cp.Head))
		return StateCIRejected, ci.Reason, false, nil
	}

	return r.accept(ctx, log, i, feature, cp, after, ci, claimed)
}

// accept records an iteration the CI Guard passed.
func (r *run) accept(ctx context.Context, log *logging.Logger, i int, feature backlog.Feature, cp ciguard.Checkpoint, after backlog.Backlog, ci ciguard.Result, claimed bool) (State, string, bool, error) {
	r.summary.Accepted++
	r.observe(after)

	commits, err := r.repo.CommitsSince(ctx, cp.Head)
	if err != nil {
		log.Warn("count new commits", "error", err)
	}
	if leftover, err := r.repo.Changes(ctx, r.ignored...); err != nil {
		log.Warn("inspect working tree", "error", err)
	} else if len(leftover) > 0 {
		r.warn("iteration %d left uncommitted changes: %s", i, strings.Join(leftover, ", "))
	}

	state := "still failing"
	if f, ok := after.Feature(feature.ID); ok && f.Passes {
		state = "now passes"
	}
	suffix := ""
	if ci.Unverified() {
		r.summary.Unverified = true
		suffix = " (unverified: no CI commands)"
	}
	detail := fmt.Sprintf("%s, %d commit(s)%s", state, commits, suffix)
	r.record("ITERATION_OK: iteration %d feature %s %s; %d new commit(s); %d of %d features remaining%s",
		i, feature.ID, state, commits, after.Remaining(), len(after.Features), suffix)

	if after.Complete() {
		r.done(i)
		return StateIterationOK, detail, true, nil
	}
	if claimed {
		r.sentinelMismatch(i, after)
	}
	return StateIterationOK, detail, false, nil
}

func (r *run) invoke(ctx context.Context, log *logging.Logger, prompt string) (*AgentResult, error) {
	ctx, span := r.tracer.Start(ctx, trace.SpanAgent)
	defer span.End()

	execute := r.c.Execute
	if execute == nil {
		execute = func(ctx context.Context, prompt string) (*AgentResult, error) {
			return RunAgent(ctx, r.workDir, prompt, r.c.AgentOptions...)
		}
	}

	log.Info("invoking agent")
	result, err := execute(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		trace.AttrExitCode.Int(result.ExitCode),
		trace.AttrTimedOut.Bool(result.TimedOut),
		trace.AttrSentinel.Bool(ContainsSentinel(result.Stdout, r.sentinel())),
	)
	log.Info("agent finished", "exit_code", result.ExitCode, "timed_out", result.TimedOut, "duration", result.Duration)
	return result, nil
}

func (r *run) runCI(ctx context.Context, log *logging.Logger, cmds detect.Commands) ciguard.Result {
	ctx, span := r.tracer.Start(ctx, trace.SpanCI)
	defer span.End()

	log.Info("running ci", "build", cmds.Build, "test", cmds.Test)
	res := r.guard.Run(ctx, cmds)
	if !res.Passed {
		span.SetAttributes(trace.AttrFailedPhase.String(string(res.FailedPhase)))
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}

// changed reports whether the iteration moved HEAD, touched the tree, or
// rewrote the backlog.
func (r *run) changed(ctx context.Context, cp ciguard.Checkpoint) (bool, error) {
	head, err := r.repo.Head(ctx)
	if err != nil {
		return false, err
	}
	if head != cp.Head {
		return true, nil
	}
	changes, err := r.repo.Changes(ctx, r.ignored...)
	if err != nil {
		return false, err
	}
	if len(changes) > 0 {
		return true, nil
	}
	current, err := os.ReadFile(r.backlogPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return !bytes.Equal(current, cp.Files[r.backlogPath]), nil
}

func (r *run) rollback(ctx context.Context, cp ciguard.Checkpoint) error {
	ctx, span := r.tracer.Start(ctx, trace.SpanRollback, oteltrace.WithAttributes(
		trace.AttrCommit.String(cp.Head),
	))
	defer span.End()

	if err := ciguard.Rollback(ctx, r.repo, cp, r.owned...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.fatal("rollback", err)
	}
	r.log.Info("rolled back", "commit", cp.Head)
	return nil
}

func (r *run) sentinelMismatch(i int, b backlog.Backlog) {
	r.summary.SentinelMismatches++
	var failing []string
	for _, f := range b.Features {
		if !f.Passes {
			failing = append(failing, f.ID)
		}
	}
	r.warn("agent reported completion but %d of %d features still fail: %s",
		len(failing), len(b.Features), strings.Join(failing, ", "))
	r.record("SENTINEL_MISMATCH: iteration %d: completion claim rejected, failing: %s", i, strings.Join(failing, ", "))
}

// dryRun stands in for attempt: the agent is treated as a successful no-op
// and CI runs against the unchanged tree. A red result is reported as a
// rejection but nothing is rolled back.
func (r *run) dryRun(ctx context.Context, log *logging.Logger, i int, feature backlog.Feature, prompt string) (State, string) {
	writef(r.out, "  %s would invoke the agent for %s (%d byte prompt)\n",
		r.styles.Muted.Render("[dry-run]"), feature.ID, len(prompt))
	if r.c.Verbose {
		writef(r.out, "%s\n", prompt)
	}

	ci := r.runCI(ctx, log, r.cmds)
	if !ci.Passed {
		r.summary.CIRejections++
		if r.c.Verbose {
			printTail(r.out, "ci log", ci.Log)
		}
		r.record("DRY_RUN: iteration %d feature %s: agent not invoked (%d byte prompt); CI rejected: %s; rollback skipped",
			i, feature.ID, len(prompt), ci.Reason)
		return StateCIRejected, "dry run: " + ci.Reason
	}

	r.summary.Accepted++
	verdict := "passes"
	if ci.Unverified() {
		verdict = "has nothing to run"
	}
	r.record("DRY_RUN: iteration %d feature %s: agent not invoked (%d byte prompt); CI %s",
		i, feature.ID, len(prompt), verdict)
	return StateIterationOK, "dry run: CI " + verdict
}

func (r *run) done(iterations int) {
	r.summary.StopReason = StopDone
	r.summary.Remaining = 0
	r.record("DONE: all %d feature(s) pass after %d iteration(s)", r.summary.Total, iterations)
	r.log.Info("backlog complete", "iterations", iterations)
}

func (r *run) exhausted() {
	r.summary.StopReason = StopExhausted
	var failing []string
	if b, err := backlog.Load(r.backlogPath); err == nil {
		r.observe(b)
		for _, f := range b.Features {
			if !f.Passes {
				failing = append(failing, f.ID)
			}
		}
	}
	r.record("EXHAUSTED: stopped before completion after %d iteration(s), %d of %d feature(s) still failing: %s",
		r.summary.Iterations, r.summary.Remaining, r.summary.Total, strings.Join(failing, ", "))
	r.log.Warn("iteration limit reached", "remaining", r.summary.Remaining)
}

// cancelled stops the run. Changes since cp are rolled back first, on a
// context that outlives the cancellation.
func (r *run) cancelled(ctx context.Context, cp *ciguard.Checkpoint) error {
	r.summary.StopReason = StopCancelled
	cause := context.Cause(ctx)
	if cp != nil {
		rctx := context.WithoutCancel(ctx)
		changed, err := r.changed(rctx, *cp)
		if err != nil {
			return r.fatal("inspect working tree", err)
		}
		if changed {
			if err := r.rollback(rctx, *cp); err != nil {
				return err
			}
		}
	}
	r.record("CANCELLED: %v", cause)
	r.log.Warn("run cancelled", "cause", cause)
	return nil
}

func agentFailureReason(result *AgentResult, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("agent invocation failure: %v", err)
	case result.TimedOut:
		return fmt.Sprintf("agent invocation failure: timed out after %s", formatDuration(result.Duration))
	default:
		return fmt.Sprintf("agent invocation failure: exit code %d", result.ExitCode)
	}
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
