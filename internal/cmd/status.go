package cmd

import (
	"dockerjobs/internal/job"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	ctx := cmd.Context()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	j, err := job.NewService(store, nil, a.logger).Get(ctx, id)
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	}
	return printJob(cmd.OutOrStdout(), j)
}

func printJob(out io.Writer, j *job.Job) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%s:\t%s\n", k, v)
		}
	}
	row("ID", strconv.FormatInt(j.ID, 10))
	row("Queue", j.Queue)
	row("State", string(j.State))
	row("Image", j.Image)
	row("Command", strings.Join(j.Command, " "))
	row("Worker", j.WorkerName)
	row("Container", j.DockerContainerID)
	row("Created", formatTime(&j.CreatedAt))
	row("Started", formatTime(j.EffectiveStart()))
	row("Stopped", formatTime(j.StoppedAt))
	if j.Runtime != nil {
		row("Runtime", (time.Duration(*j.Runtime) * time.Second).String())
	}
	if j.ExitCode != nil {
		row("Exit code", strconv.Itoa(*j.ExitCode))
	}
	row("Error", j.ErrorMessage)
	if err := w.Flush(); err != nil {
		return err
	}

	if j.Output != "" {
		fmt.Fprintf(out, "\n--- stdout ---\n%s\n", strings.TrimRight(j.Output, "\n"))
	}
	if j.ErrorOutput != "" {
		fmt.Fprintf(out, "\n--- stderr ---\n%s\n", strings.TrimRight(j.ErrorOutput, "\n"))
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
