package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/bulkingest/internal/common"
	"github.com/jo-hoe/bulkingest/internal/ingest"
	"github.com/jo-hoe/bulkingest/internal/jobs"
	"github.com/jo-hoe/bulkingest/internal/storage"
)

const importPollInterval = 100 * time.Millisecond

type importOptions struct {
	actor   string
	timeout time.Duration
}

func newImportCmd(root *rootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Ingest one CSV file in-process and print the finished job",
		Long: `import submits the file to a local worker pool exactly like an upload,
waits for the job to finish, and prints it as JSON. The command fails when
the job ends in FAILED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			a, err := newApp(ctx, root.cfg, root.log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(root.cfg.Server.ShutdownGrace); err != nil {
					root.log.Warn("close stores", "err", err)
				}
			}()

			src, err := storage.NewUploader(int64(root.cfg.Server.MaxUploadSize)).OpenCSVFile(args[0]) // #nosec G115 - config sizes are far below MaxInt64
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			job, err := runImport(ctx, a.service, src, opts.actor, importPollInterval)
			if err != nil {
				return err
			}
			if err := printJob(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			if job.State == jobs.StateFailed {
				return fmt.Errorf("job %s failed", job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.actor, "actor", common.DefaultActor, "identity recorded as creator of imported records")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

// runImport submits src and polls until the job is terminal or ctx ends.
func runImport(ctx context.Context, svc *ingest.Service, src io.Reader, actor string, every time.Duration) (jobs.Job, error) {
	id, err := svc.Submit(src, actor)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("submit: %w", err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := svc.Status(id)
		if err != nil {
			return jobs.Job{}, fmt.Errorf("status %s: %w", id, err)
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printJob(w io.Writer, job jobs.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
