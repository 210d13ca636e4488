package cmd

import (
	"dockerjobs/internal/orchestrator"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running job",
		Long: `Kill the container of a job and mark the job stopped. The orchestration
loop records the container's exit once it observes it.

Exits with status 1 if the job does not exist, has no container, or the
container could not be stopped.`,
		Args: cobra.NoArgs,
		RunE: runStop,
	}
	cmd.Flags().Int64P("job-id", "j", 0, "ID of the job to stop")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func runStop(cmd *cobra.Command, _ []string) error {
	a := appFrom(cmd)
	cfg, logger := a.cfg, a.logger
	ctx := cmd.Context()

	id, _ := cmd.Flags().GetInt64("job-id")
	if id <= 0 {
		return fmt.Errorf("--job-id must be a positive integer")
	}

	eng, err := openEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ev := newEvents(cfg, nil, logger)
	defer ev.close()

	stopper := orchestrator.NewStopper(eng, store.NewSession(), ev.publisher, nil, logger)
	if err := stopper.Stop(ctx, id); err != nil {
		logger.Error("Could not stop job", zap.Int64("jobId", id), zap.Error(err))
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %d stopped\n", id)
	return nil
}
