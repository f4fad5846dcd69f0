package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"featureloop/internal/journal"
)

func newArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Move the progress journal to a timestamped file and start a fresh one",
		Long: `Archive copies the progress journal next to itself with a UTC timestamp
in its name, then truncates the live journal. The loop never does this on
its own; use it when starting work on a new backlog.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j := journal.New(a.cfg.ProgressPath())
			dest, err := j.Archive()
			if err != nil {
				return fmt.Errorf("archive %s: %w", j.Path(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s to %s\n", j.Path(), dest)
			return nil
		},
	}
}
