// Package events publishes queue lifecycle changes to interested consumers.
// Delivery is best effort: callers log publish failures and carry on.
package events

import (
	"context"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"

	"go.uber.org/zap"
)

const (
	TypeQueueCreated   = "queue.created"
	TypeQueueClaimed   = "queue.claimed"
	TypeQueueCompleted = "queue.completed"
	TypeQueueCanceled  = "queue.canceled"
)

type QueueEvent struct {
	EventID    string        `json:"event_id"`
	Type       string        `json:"type"`
	QueueID    string        `json:"queue_id"`
	Number     int64         `json:"number"`
	Status     models.Status `json:"status"`
	ServiceID  string        `json:"service_id"`
	ActorID    string        `json:"actor_id,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event QueueEvent) error
}

// NewQueueEvent builds an event describing queue as it is after the change.
func NewQueueEvent(eventID, eventType string, queue models.Queue, actorID string, at time.Time) QueueEvent {
	return QueueEvent{
		EventID:    eventID,
		Type:       eventType,
		QueueID:    queue.QueueID,
		Number:     queue.Number,
		Status:     queue.Status,
		ServiceID:  queue.ServiceID,
		ActorID:    actorID,
		OccurredAt: at,
	}
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, event QueueEvent) error {
	logger := p.Logger
	if logger == nil {
		return nil
	}
	logger.Info("queue event",
		zap.String("event_id", event.EventID),
		zap.String("type", event.Type),
		zap.String("queue_id", event.QueueID),
		zap.Int64("number", event.Number),
		zap.String("status", string(event.Status)),
		zap.String("actor_id", event.ActorID),
	)
	return nil
}

type discard struct{}

func (discard) Publish(context.Context, QueueEvent) error { return nil }

// Discard drops every event.
var Discard Publisher = discard{}
