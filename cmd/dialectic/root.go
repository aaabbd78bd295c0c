package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dialectic/api/internal/config"
	"dialectic/api/internal/logging"
)

// runtime is what PersistentPreRunE prepares for every subcommand.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

// RootCommand builds the dialectic command tree.
func RootCommand() *cobra.Command {
	rt := &runtime{}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "dialectic",
		Short:         "Conflict detection and team voting service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Env, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			rt.cfg = cfg
			rt.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $DIALECTIC_CONFIG or config.yaml)")

	rootCmd.AddCommand(
		serveCommand(rt),
		sweepCommand(rt),
		migrateCommand(rt),
		ingestCommand(rt),
	)
	return rootCmd
}
