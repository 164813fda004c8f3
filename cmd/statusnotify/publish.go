package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/glimte/statusnotify/statuslistener"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type publishOptions struct {
	workflowID  string
	status      string
	event       string
	count       int
	concurrency int
}

func newPublishCommand(flags *globalFlags) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish workflow status notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count < 1 {
				return fmt.Errorf("count must be at least 1")
			}
			if opts.concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1")
			}
			ev := event{WorkflowID: opts.workflowID, Status: opts.status, Event: opts.event}
			if err := ev.validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			logger := flags.logger()
			client, err := flags.client(logger)
			if err != nil {
				return err
			}
			defer client.Close()

			sent, err := publishRepeated(ctx, client.Listener(), ev, opts.count, opts.concurrency)
			fmt.Fprintf(cmd.OutOrStdout(), "published %d of %d notifications\n", sent, opts.count)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.workflowID, "workflow-id", "", "Workflow id")
	cmd.Flags().StringVar(&opts.status, "status", "COMPLETED", "Workflow status")
	cmd.Flags().StringVar(&opts.event, "event", eventCompleted, "Lifecycle event: completed, terminated or finalized")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 1, "Number of notifications")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 1, "Concurrent publishers")
	_ = cmd.MarkFlagRequired("workflow-id")

	return cmd
}

// publishRepeated delivers ev count times with at most concurrency
// publishes in flight. It stops at the first failure.
func publishRepeated(ctx context.Context, h eventHandler, ev event, count, concurrency int) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var sent atomic.Int64
	for i := 0; i < count; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := dispatch(ctx, h, ev); err != nil {
				return err
			}
			sent.Add(1)
			return nil
		})
	}

	err := g.Wait()
	return int(sent.Load()), err
}

var _ eventHandler = (*statuslistener.Listener)(nil)
