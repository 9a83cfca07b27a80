package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"libdiff/internal/entity"
)

var runCmd = &cobra.Command{
	Use:   "run <change>",
	Short: "Build one change now and print its diff",
	Long: "Resolves the change, builds it before and after, and writes the diff to stdout. " +
		"Nothing is stored or queued.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runOnce(ctx, cfg, log, args[0])
		if err != nil {
			return err
		}
		switch res.Status {
		case entity.StatusNoRelevantChanges:
			fmt.Fprintln(cmd.ErrOrStderr(), "change touches no dependency manifest, nothing to diff")
		case entity.StatusDone:
			if res.Diff == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "installed trees are identical")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Diff)
		case entity.StatusPending, entity.StatusFailed:
			return fmt.Errorf("build ended in status %s", res.Status)
		}
		return nil
	},
}
