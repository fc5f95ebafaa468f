// Package notify holds the process-local collaborators: a logging
// notifier, a configured operator directory and a logging event sink used
// when Kafka is not configured.
package notify

import (
	"context"
	"log/slog"
	"slices"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
)

type LogNotifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg ports.Notification) error {
	n.logger.InfoContext(ctx, "notification",
		"recipient", msg.Recipient,
		"topic", msg.Topic,
		"subject_id", msg.SubjectID,
		"message", msg.Message,
	)
	return nil
}

// StaticDirectory offers every request to a fixed set of operators.
type StaticDirectory struct {
	operators []string
}

var _ ports.OperatorDirectory = (*StaticDirectory)(nil)

func NewStaticDirectory(operators []string) *StaticDirectory {
	ops := slices.Clone(operators)
	slices.Sort(ops)
	return &StaticDirectory{operators: slices.Compact(ops)}
}

func (d *StaticDirectory) EligibleOperators(ctx context.Context, req *domain.Request) ([]string, error) {
	return slices.Clone(d.operators), nil
}

type LogPublisher struct {
	logger *slog.Logger
}

var _ ports.EventPublisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...domain.Event) error {
	for _, e := range events {
		p.logger.InfoContext(ctx, "domain event",
			"event_id", e.ID,
			"event_type", e.Type,
			"entity_id", e.EntityID,
			"correlation_id", e.CorrelationID,
		)
	}
	return nil
}
