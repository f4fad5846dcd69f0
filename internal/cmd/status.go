package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"featureloop/internal/backlog"
	"featureloop/internal/ralph"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backlog progress and the state of a running loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			styles := ralph.DefaultStyles()

			b, err := backlog.Load(a.cfg.BacklogPath())
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s %s\n", styles.Title.Render("Project"), b.ProjectName)
			fmt.Fprintf(out, "%d of %d features remaining\n", b.Remaining(), len(b.Features))
			if next, ok := b.SelectNext(); ok {
				fmt.Fprintf(out, "Next: %s %s (priority %d)\n", styles.FeatureID.Render(next.ID), next.Title, next.Priority)
			} else {
				fmt.Fprintln(out, styles.Success.Render(ralph.IconSuccess+" every feature passes"))
			}

			st, ok, err := ralph.ReadStatus(a.cfg.WorkDir)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "\n%s run %s: iteration %d/%d, %s, elapsed %s\n",
				ralph.StatusIcon(st.Phase), st.RunID, st.Iteration, st.MaxIterations,
				styles.StatusStyle(st.Phase).Render(st.Phase.String()),
				time.Duration(st.Elapsed).Round(time.Second))
			if st.CurrentFeature != nil {
				fmt.Fprintf(out, "  working on %s %s\n", styles.FeatureID.Render(st.CurrentFeature.ID), st.CurrentFeature.Title)
			}
			fmt.Fprintf(out, "  %d accepted, %d rejected by CI, %d agent failure(s)\n",
				st.Tallies.Accepted, st.Tallies.CIRejections, st.Tallies.AgentFailures)
			return nil
		},
	}
}
