package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"featureloop/internal/ciguard"
	"featureloop/internal/detect"
	"featureloop/internal/git"
	"featureloop/internal/ralph"
)

func newVerifyCommitsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-commits <n>",
		Short: "Run the CI guard against each of the last n commits",
		Long: `Verify-commits checks out each of the last n commits, oldest first, and
runs the build and test commands resolved for that commit. The original
branch is restored afterwards. The working tree must be clean.

Exits non-zero if any commit fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("commit count must be a positive integer, got %q", args[0])
			}

			ctx := cmd.Context()
			cfg := a.cfg
			repo, err := git.Open(ctx, cfg.WorkDir)
			if err != nil {
				return err
			}

			guard := ciguard.New(cfg.WorkDir, ciguard.WithFailFast(cfg.CI.FailFast))
			commands := func(dir string) (detect.Commands, error) {
				_, cmds, err := resolveCommands(dir, cfg.BacklogFile)
				return cmds, err
			}
			ignore := append(a.ownedFiles(), absPath(cfg.ProgressPath()))

			report, err := guard.VerifyCommits(ctx, repo, n, commands, ignore...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			styles := ralph.DefaultStyles()
			for _, c := range report.Commits {
				short := styles.FeatureID.Render(git.ShortHash(c.Hash))
				switch {
				case c.Err != nil:
					fmt.Fprintf(out, "%s %s %s: %v\n", styles.Error.Render(ralph.IconFailed), short, c.Subject, c.Err)
				case !c.Result.Passed:
					fmt.Fprintf(out, "%s %s %s: %s\n", styles.Error.Render(ralph.IconFailed), short, c.Subject, c.Result.Reason)
				case c.Result.Unverified():
					fmt.Fprintf(out, "%s %s %s (no CI commands)\n", styles.Warning.Render(ralph.IconWarning), short, c.Subject)
				default:
					fmt.Fprintf(out, "%s %s %s\n", styles.Success.Render(ralph.IconSuccess), short, c.Subject)
				}
			}

			failed := report.Failed()
			if len(failed) > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d commit(s) failed CI", len(failed), len(report.Commits))}
			}
			fmt.Fprintf(out, "All %d commit(s) pass\n", len(report.Commits))
			return nil
		},
	}
}
