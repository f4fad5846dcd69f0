// Package ralph implements the autonomous feature loop.
//
// Ralph drives a coding agent through a backlog of features, one feature
// per iteration, and accepts an iteration's work only when the project's
// build and test commands pass. Rejected work is rolled back so that no
// unverified change survives.
//
// # Basic Usage
//
// The main entry point is Controller.Run:
//
//	ctrl := &ralph.Controller{
//	    WorkDir:       "/path/to/repo",
//	    BacklogPath:   "prd.json",
//	    MaxIterations: 10,
//	}
//	summary, err := ctrl.Run(ctx)
//	os.Exit(summary.StopReason.ExitCode())
//
// # States
//
// A run starts in INIT, then repeats ITERATING until it reaches DONE (every
// feature passes) or EXHAUSTED (iteration bound hit). Each iteration ends in
// AGENT_FAILED, CI_REJECTED or ITERATION_OK, and each of these is appended
// to the progress journal.
//
// # Testing
//
// Controller supports test hooks for its external collaborators:
// Execute, Detect, Guard and Repo.
package ralph
