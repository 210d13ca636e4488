package cmd

import (
	"bytes"
	"dockerjobs/internal/job"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// manifest is the YAML document accepted by submit --file.
type manifest struct {
	Jobs []job.Submission `yaml:"jobs"`
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [flags] [-- command [args...]]",
		Short: "Enqueue jobs",
		Long: `Enqueue a job from flags and a command, or a batch of jobs from a YAML
manifest. Jobs without an image run in the orchestrator's default image.

Manifest format:
  jobs:
    - queue: default
      image: alpine:3.20
      command: [sh, -c, "echo hello"]

Examples:
  dockerjobs submit --queue default -- echo hello
  dockerjobs submit -f jobs.yaml`,
		RunE: runSubmit,
	}
	f := cmd.Flags()
	f.StringP("file", "f", "", "YAML manifest of jobs to submit ('-' reads stdin)")
	f.StringP("queue", "q", "default", "Queue for a single job")
	f.String("image", "", "Image for a single job")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	ctx := cmd.Context()

	file, _ := cmd.Flags().GetString("file")
	var subs []job.Submission
	switch {
	case file != "" && len(args) > 0:
		return errors.New("use either --file or a command, not both")
	case file != "":
		var err error
		if subs, err = readManifest(cmd.InOrStdin(), file); err != nil {
			return err
		}
	case len(args) > 0:
		queue, _ := cmd.Flags().GetString("queue")
		image, _ := cmd.Flags().GetString("image")
		subs = []job.Submission{{Queue: queue, Image: image, Command: args}}
	default:
		return errors.New("a command or --file is required")
	}

	// validate the whole batch before enqueuing any of it
	for i := range subs {
		if err := job.Validate(&subs[i]); err != nil {
			return fmt.Errorf("job %d: %w", i+1, err)
		}
	}

	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc := job.NewService(store, nil, a.logger)
	for i := range subs {
		j, err := svc.Submit(ctx, &subs[i])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", j.ID)
	}
	return nil
}

func readManifest(stdin io.Reader, path string) ([]job.Submission, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Jobs) == 0 {
		return nil, errors.New("manifest contains no jobs")
	}
	return m.Jobs, nil
}
