package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/enrich"
	"github.com/JakeFAU/pagefeed/internal/feedgen"
)

const taskPollInterval = 500 * time.Millisecond

type feedOptions struct {
	format  string
	refresh string
	enrich  bool
	force   bool
	wait    time.Duration
}

func newFeedCmd() *cobra.Command {
	opts := &feedOptions{}
	cmd := &cobra.Command{
		Use:   "feed <ref>",
		Short: "Generate a feed once and print it",
		Long: `Resolves ref to a source adapter, generates or loads its items and writes
the rendered document to stdout. With --enrich and --wait the command blocks
until enrichment finishes and prints the enriched document instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(cmd, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.format, "format", "rss", "output format: rss, atom or json")
	flags.StringVar(&opts.refresh, "refresh", "", "cache window override, e.g. 10min, 1h, 1day, forever")
	flags.BoolVar(&opts.enrich, "enrich", false, "enrich items with full article content")
	flags.BoolVar(&opts.force, "force", false, "ignore cached items and regenerate")
	flags.DurationVar(&opts.wait, "wait", 0, "with --enrich, wait up to this long for enrichment to finish")
	return cmd
}

func runFeed(cmd *cobra.Command, ref string, opts *feedOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	format, err := feedgen.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	window, err := cachekey.ParseWindow(opts.refresh)
	if err != nil {
		return err
	}
	req := feedgen.Request{Format: format, Refresh: window, Enrich: opts.enrich, Force: opts.force}

	res, err := appInstance.Feeds.GetFeed(cmd.Context(), ref, req)
	if err != nil {
		return err
	}
	if res.EnrichTaskID != "" && opts.wait > 0 {
		status, err := waitForTask(cmd.Context(), appInstance.Queue, res.EnrichTaskID, opts.wait)
		if err != nil {
			return err
		}
		appInstance.Logger.Info("enrichment finished",
			zap.String("task_id", status.ID),
			zap.Int("done", status.Progress.Done),
			zap.Int("failed", status.Progress.Failed),
		)
		req.Force, req.Enrich = false, false
		if res, err = appInstance.Feeds.GetFeed(cmd.Context(), ref, req); err != nil {
			return err
		}
	}
	return printDocument(cmd.OutOrStdout(), res.Document)
}

type taskReader interface {
	Task(id string) (enrich.TaskStatus, error)
}

// waitForTask polls until the task is done or timeout elapses.
func waitForTask(ctx context.Context, tasks taskReader, id string, timeout time.Duration) (enrich.TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()
	for {
		status, err := tasks.Task(id)
		if err != nil {
			return enrich.TaskStatus{}, err
		}
		if status.Status == enrich.TaskDone {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("wait for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printDocument(w io.Writer, doc string) error {
	if _, err := io.WriteString(w, doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
