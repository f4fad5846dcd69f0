package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"featureloop/internal/backlog"
	"featureloop/internal/detect"
	"featureloop/internal/ralph"
)

// resolveCommands runs the detector ladder against dir and layers the
// backlog's ciConfig over the result. A missing backlog means no override.
func resolveCommands(dir, backlogFile string) (detect.Result, detect.Commands, error) {
	res, err := detect.Detect(dir)
	if err != nil {
		return res, detect.Commands{}, err
	}

	path := backlogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	b, err := backlog.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return res, res.Commands, nil
	case err != nil:
		return res, detect.Commands{}, err
	}
	return res, detect.Resolve(res.Commands, b.CIConfig), nil
}

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Show the build and test commands the CI guard would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, cmds, err := resolveCommands(a.cfg.WorkDir, a.cfg.BacklogFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			styles := ralph.DefaultStyles()
			detector := res.Detector
			if detector == "" {
				detector = "none"
			}
			fmt.Fprintf(out, "Detector: %s\n", detector)
			fmt.Fprintf(out, "Build:    %s\n", styles.Command.Render(orNone(cmds.Build)))
			fmt.Fprintf(out, "Test:     %s\n", styles.Command.Render(orNone(cmds.Test)))
			if cmds != res.Commands {
				fmt.Fprintln(out, styles.Muted.Render("(ciConfig in the backlog overrides detection)"))
			}
			if cmds.Empty() {
				fmt.Fprintln(out, styles.Warning.Render(ralph.IconWarning+" no CI commands: iterations will be accepted unverified"))
			}
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
