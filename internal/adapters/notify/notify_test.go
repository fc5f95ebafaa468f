package notify

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory_DeduplicatesOperators(t *testing.T) {
	d := NewStaticDirectory([]string{"op-2", "op-1", "op-2"})

	ops, err := d.EligibleOperators(context.Background(), &domain.Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1", "op-2"}, ops)

	ops[0] = "mutated"
	again, _ := d.EligibleOperators(context.Background(), &domain.Request{})
	assert.Equal(t, "op-1", again[0])
}

func TestLogNotifierAndPublisher(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	require.NoError(t, NewLogNotifier(logger).Notify(context.Background(), ports.Notification{
		Recipient: "op-1",
		Topic:     "request.published",
		SubjectID: "req-1",
	}))
	assert.Contains(t, buf.String(), "recipient=op-1")

	id := uuid.New()
	require.NoError(t, NewLogPublisher(logger).Publish(context.Background(),
		domain.NewEvent(domain.EventDealBooked, id, id, time.Now(), nil)))
	assert.Contains(t, buf.String(), "event_type=deal.booked")
}
