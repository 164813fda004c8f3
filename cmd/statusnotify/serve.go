package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/glimte/statusnotify"
	"github.com/glimte/statusnotify/health"
	"github.com/glimte/statusnotify/statuslistener"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	eventCompleted  = "completed"
	eventTerminated = "terminated"
	eventFinalized  = "finalized"
)

// event is one line of the serve input stream
type event struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	Event      string `json:"event"`
}

func (e event) validate() error {
	if e.WorkflowID == "" {
		return errors.New("workflowId is required")
	}
	switch e.Event {
	case eventCompleted, eventTerminated, eventFinalized:
		return nil
	default:
		return fmt.Errorf("unknown event %q", e.Event)
	}
}

type eventHandler interface {
	OnWorkflowCompleted(ctx context.Context, wf statuslistener.Workflow) error
	OnWorkflowTerminated(ctx context.Context, wf statuslistener.Workflow) error
	OnWorkflowFinalized(ctx context.Context, wf statuslistener.Workflow) error
}

func dispatch(ctx context.Context, h eventHandler, ev event) error {
	wf := statuslistener.Workflow{ID: ev.WorkflowID, Status: ev.Status}
	switch ev.Event {
	case eventCompleted:
		return h.OnWorkflowCompleted(ctx, wf)
	case eventTerminated:
		return h.OnWorkflowTerminated(ctx, wf)
	case eventFinalized:
		return h.OnWorkflowFinalized(ctx, wf)
	default:
		return fmt.Errorf("unknown event %q", ev.Event)
	}
}

type consumeStats struct {
	Processed int
	Failed    int
	Invalid   int
}

// maxEventLine is the longest input line accepted as an event
const maxEventLine = 1 << 20

type inputLine struct {
	data    []byte
	tooLong bool
}

// readLines sends the lines of r on the returned channel until r is
// exhausted or ctx is done. Lines longer than maxEventLine are reported with
// tooLong set and no data. The error channel yields the read error, nil at EOF.
func readLines(ctx context.Context, r io.Reader) (<-chan inputLine, <-chan error) {
	lines := make(chan inputLine)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(lines)

		br := bufio.NewReaderSize(r, maxEventLine)
		for {
			var line inputLine
			data, err := br.ReadSlice('\n')
			for errors.Is(err, bufio.ErrBufferFull) {
				line.tooLong = true
				_, err = br.ReadSlice('\n')
			}
			if !line.tooLong {
				line.data = bytes.TrimRight(data, "\r\n")
				line.data = append([]byte(nil), line.data...)
			}

			if line.tooLong || len(line.data) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}

			if err != nil {
				if !errors.Is(err, io.EOF) {
					errc <- err
				}
				return
			}
		}
	}()
	return lines, errc
}

// consumeEvents reads newline delimited events until r is exhausted or ctx
// is done. Bad lines and failed publishes are logged and skipped.
func consumeEvents(ctx context.Context, r io.Reader, h eventHandler, logger *slog.Logger) (consumeStats, error) {
	var stats consumeStats
	lines, errc := readLines(ctx, r)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var line inputLine
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return stats, <-errc
			}
			line = l
		}

		if line.tooLong {
			stats.Invalid++
			logger.Warn("skipping oversized event", "limit", maxEventLine)
			continue
		}

		var ev event
		if err := json.Unmarshal(line.data, &ev); err != nil {
			stats.Invalid++
			logger.Warn("skipping malformed event", "error", err)
			continue
		}
		if err := ev.validate(); err != nil {
			stats.Invalid++
			logger.Warn("skipping invalid event", "error", err)
			continue
		}

		if err := dispatch(ctx, h, ev); err != nil {
			stats.Failed++
			logger.Error("failed to publish workflow status",
				"workflowId", ev.WorkflowID,
				"event", ev.Event,
				"retryable", statusnotify.IsRetryable(err),
				"error", err)
			continue
		}
		stats.Processed++
	}
}

func newMux(registry *health.Registry, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish events read from stdin and serve health and metrics",
		Long: `Reads newline delimited JSON events such as
{"workflowId":"w1","status":"COMPLETED","event":"completed"}
from stdin and publishes them. Health checks and metrics are served on --listen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			logger := flags.logger()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			client, err := flags.client(logger, statusnotify.WithRegisterer(reg))
			if err != nil {
				return err
			}
			defer client.Close()

			srv := &http.Server{
				Addr:              listen,
				Handler:           newMux(client.Health(), reg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("serving health and metrics", "addr", listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "error", err)
					cancel()
				}
			}()

			stats, err := consumeEvents(ctx, os.Stdin, client.Listener(), logger)
			logger.Info("input finished",
				"processed", stats.Processed,
				"failed", stats.Failed,
				"invalid", stats.Invalid)

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("http server shutdown", "error", serr)
			}

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "Address for /healthz, /readyz, /livez and /metrics")
	return cmd
}
