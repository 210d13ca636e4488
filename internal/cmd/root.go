// Package cmd implements the dockerjobs command line.
package cmd

import (
	"context"
	"dockerjobs/internal/config"
	"dockerjobs/internal/observability"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type appKey struct{}

// app carries state resolved by the root command for its subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	return a
}

// NewRootCmd builds the command tree with a fresh viper instance.
func NewRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "dockerjobs",
		Short: "Run queued jobs as Docker containers",
		Long: `dockerjobs runs jobs stored in a local database as Docker containers on a
single host and records their outcome.

Configuration is read from dockerjobs.yaml (working directory or
/etc/dockerjobs), DOCKERJOBS_* environment variables and flags, in
increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(a.v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(observability.LogConfig{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (default: ./dockerjobs.yaml or /etc/dockerjobs/dockerjobs.yaml)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "console", "Log format (console, json)")
	pf.String("store", "dockerjobs.db", "Path to the job database")
	bindFlag(a.v, "log.level", pf.Lookup("log-level"))
	bindFlag(a.v, "log.format", pf.Lookup("log-format"))
	bindFlag(a.v, "store.path", pf.Lookup("store"))

	root.AddCommand(
		newOrchestrateCmd(a.v),
		newStopCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
