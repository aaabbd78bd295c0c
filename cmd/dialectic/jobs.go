package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dialectic/api/internal/dialectic"
	"dialectic/api/internal/ingest"
	"dialectic/api/internal/notify"
	"dialectic/api/internal/store"
)

func sweepCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve every expired conflict once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := buildStack(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer s.close()

			// Publishing through the relay lets running servers push the
			// results to their clients.
			relay := notify.NewRedisRelay(s.redis.Client(), notify.DefaultRelayChannel, notify.Discard, rt.logger, s.metrics)
			engine := s.attachEngine(rt.cfg, rt.logger, relay)

			closed, err := dialectic.NewSweeper(engine, rt.cfg.Voting.SweepInterval).SweepOnce(ctx)
			if err != nil {
				return err
			}
			rt.logger.Info("sweep complete", zap.Int("resolved", closed))
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d expired conflict(s)\n", closed)
			return nil
		},
	}
}

func migrateCommand(rt *runtime) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if down {
				return store.RollbackMigrations(rt.cfg.DatabaseURL, rt.logger)
			}
			return store.ApplyMigrations(rt.cfg.DatabaseURL, rt.logger)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func ingestCommand(rt *runtime) *cobra.Command {
	var groupID, uploadedBy string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Add a reference document to the evidence corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if info.Size() > ingest.MaxDocumentBytes {
				return fmt.Errorf("%s: %w", args[0], ingest.ErrTooLarge)
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			s, err := buildStack(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer s.close()

			relay := notify.NewRedisRelay(s.redis.Client(), notify.DefaultRelayChannel, notify.Discard, rt.logger, s.metrics)
			s.attachEngine(rt.cfg, rt.logger, relay)
			ingester, err := newIngester(ctx, rt.cfg, s, relay, rt.logger)
			if err != nil {
				return err
			}

			result, err := ingester.Ingest(ctx, ingest.Input{
				Filename:   filepath.Base(args[0]),
				GroupID:    groupID,
				UploadedBy: uploadedBy,
				Content:    content,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %s as %s (%d chunks)\n", result.Filename, result.DocumentID, result.Chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group the document belongs to")
	cmd.Flags().StringVar(&uploadedBy, "uploaded-by", "cli", "recorded uploader")
	return cmd
}
