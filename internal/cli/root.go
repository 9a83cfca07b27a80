// Package cli wires the libdiff commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"libdiff/internal/config"
	"libdiff/internal/logger"
)

// version is overridden at build time with -ldflags "-X libdiff/internal/cli.version=..."
var version = "dev"

var (
	flagConfig string

	cfg config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "libdiff",
	Short:         "Diff installed dependencies before and after a Gerrit change",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		path := flagConfig
		if path == "" {
			path = os.Getenv("LIBDIFF_CONFIG")
		}
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
		if log, err = logger.New(cfg.LogLevel, cfg.LogPath); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print libdiff version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "libdiff version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (default $LIBDIFF_CONFIG)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// Run executes the command line and returns the process exit code.
func Run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "libdiff: %v\n", err)
		return 1
	}
	return 0
}
