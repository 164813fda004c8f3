// Package statuslistener turns workflow lifecycle events into broker
// messages.
package statuslistener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Workflow is the part of a workflow the listener reports
type Workflow struct {
	ID     string
	Status string
}

// Message is the body published for a workflow event
type Message struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
}

// Publisher sends a body to the configured exchange
type Publisher interface {
	Send(ctx context.Context, body []byte) error
}

// Listener publishes completed and terminated workflows
type Listener struct {
	publisher Publisher
	logger    *slog.Logger
}

// Option configures a Listener
type Option func(*Listener)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// New creates a listener
func New(publisher Publisher, opts ...Option) *Listener {
	l := &Listener{
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnWorkflowCompleted publishes the workflow's status
func (l *Listener) OnWorkflowCompleted(ctx context.Context, wf Workflow) error {
	if err := l.publish(ctx, wf); err != nil {
		return err
	}
	l.logger.Debug("workflow is completed", "workflowId", wf.ID)
	return nil
}

// OnWorkflowTerminated publishes the workflow's status
func (l *Listener) OnWorkflowTerminated(ctx context.Context, wf Workflow) error {
	if err := l.publish(ctx, wf); err != nil {
		return err
	}
	l.logger.Debug("workflow is terminated", "workflowId", wf.ID)
	return nil
}

// OnWorkflowFinalized only logs. Nothing is published.
func (l *Listener) OnWorkflowFinalized(ctx context.Context, wf Workflow) error {
	l.logger.Debug("workflow is finalized", "workflowId", wf.ID)
	return nil
}

// Encode renders the message body for a workflow
func Encode(wf Workflow) ([]byte, error) {
	body, err := json.Marshal(Message{WorkflowID: wf.ID, Status: wf.Status})
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", wf.ID, err)
	}
	return body, nil
}

func (l *Listener) publish(ctx context.Context, wf Workflow) error {
	body, err := Encode(wf)
	if err != nil {
		return err
	}
	return l.publisher.Send(ctx, body)
}
