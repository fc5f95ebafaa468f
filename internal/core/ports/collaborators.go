package ports

import (
	"context"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/screening"
)

// Notification is a fire-and-forget message to a participant.
type Notification struct {
	Recipient string
	Topic     string
	SubjectID string
	Message   string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// OperatorDirectory resolves which operators should see a request.
type OperatorDirectory interface {
	EligibleOperators(ctx context.Context, req *domain.Request) ([]string, error)
}

// EventPublisher delivers outbox events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// WatchlistRepository persists the screening corpus.
type WatchlistRepository interface {
	ReplaceWatchlist(ctx context.Context, entities []screening.Entity) error
	ListWatchlist(ctx context.Context) ([]screening.Entity, error)
}
