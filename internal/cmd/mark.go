package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"featureloop/internal/backlog"
	"featureloop/internal/journal"
)

func newMarkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <feature-id>",
		Short: "Mark a backlog feature as passing",
		Long: `Mark sets "passes" to true for one feature and saves the backlog
atomically. The amendment is recorded in the progress journal so the agent
sees it on its next iteration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			path := a.cfg.BacklogPath()

			b, err := backlog.Load(path)
			if err != nil {
				return err
			}
			if f, ok := b.Feature(id); ok && f.Passes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already passes\n", id)
				return nil
			}
			marked, err := b.MarkComplete(id)
			if err != nil {
				return err
			}
			if err := backlog.Save(marked, path); err != nil {
				return err
			}

			if err := journal.New(a.cfg.ProgressPath()).Appendf("MARKED: feature %s marked passing by the operator", id); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as passing (%d of %d features remaining)\n", id, marked.Remaining(), len(marked.Features))
			return nil
		},
	}
}
