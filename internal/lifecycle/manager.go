// Package lifecycle owns every status change of a queue entry. Each
// transition is a single conditional write against the store; callers never
// read-modify-write a status themselves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/events"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/ident"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("antrean/lifecycle")

type Options struct {
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Publisher events.Publisher
	IDs       ident.Generator
}

type Manager struct {
	queues    store.QueueStore
	refs      store.ReferenceStore
	clock     clockwork.Clock
	logger    *zap.Logger
	publisher events.Publisher
	ids       ident.Generator
}

func NewManager(queues store.QueueStore, refs store.ReferenceStore, opts Options) *Manager {
	m := &Manager{
		queues:    queues,
		refs:      refs,
		clock:     opts.Clock,
		logger:    opts.Logger,
		publisher: opts.Publisher,
		ids:       ident.OrDefault(opts.IDs),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.publisher == nil {
		m.publisher = events.Discard
	}
	return m
}

// Create registers a new WAITING entry with the next global number.
func (m *Manager) Create(ctx context.Context, visitorID, serviceID, linkToken string) (models.Queue, error) {
	queue, err := m.CreateWith(ctx, m.queues, visitorID, serviceID, linkToken)
	if err != nil {
		return models.Queue{}, err
	}
	m.NotifyCreated(ctx, queue)
	return queue, nil
}

// CreateWith is Create against a caller-supplied writer, typically the one a
// LinkStore hands to its QueueFactory. No event is emitted; the caller calls
// NotifyCreated once its transaction has committed.
func (m *Manager) CreateWith(ctx context.Context, w store.QueueWriter, visitorID, serviceID, linkToken string) (models.Queue, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.create", trace.WithAttributes(
		attribute.String("service.id", serviceID),
	))
	defer span.End()

	queue, err := w.CreateWithNextSequence(ctx, store.CreateQueueInput{
		QueueID:   m.ids.NewID(),
		VisitorID: visitorID,
		ServiceID: serviceID,
		LinkToken: linkToken,
		CreatedAt: m.clock.Now().UTC(),
	})
	if err != nil {
		recordError(span, err)
		return models.Queue{}, err
	}
	span.SetAttributes(attribute.String("queue.id", queue.QueueID), attribute.Int64("queue.number", queue.Number))
	return queue, nil
}

func (m *Manager) NotifyCreated(ctx context.Context, queue models.Queue) {
	m.logger.Info("queue created",
		zap.String("queue_id", queue.QueueID),
		zap.Int64("number", queue.Number),
		zap.String("service_id", queue.ServiceID),
	)
	m.publish(ctx, events.TypeQueueCreated, queue, "")
}

// Claim moves a WAITING entry to SERVING under adminID. Exactly one of any
// number of concurrent claims on the same entry succeeds; the rest, and any
// repeat by the winner, fail with store.ErrAlreadyClaimed.
func (m *Manager) Claim(ctx context.Context, queueID, adminID string) (models.Queue, error) {
	ctx, span := m.startSpan(ctx, "lifecycle.claim", queueID, adminID)
	defer span.End()

	if _, err := m.admin(ctx, adminID); err != nil {
		recordError(span, err)
		return models.Queue{}, err
	}

	claim := transition(store.ActionClaim)
	now := m.clock.Now().UTC()
	queue, err := m.queues.ConditionalUpdateStatus(ctx, store.StatusUpdate{
		QueueID:        queueID,
		ExpectedStatus: claim.From,
		NewStatus:      claim.To,
		AdminID:        adminID,
		StartTime:      &now,
		UpdatedAt:      now,
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		if queue.Status == models.StatusCanceled {
			err = store.ErrInvalidTransition
		} else {
			err = store.ErrAlreadyClaimed
		}
	}
	if err != nil {
		recordError(span, err)
		m.logRejected(store.ActionClaim, queueID, adminID, err)
		return models.Queue{}, err
	}

	m.logger.Info("queue claimed", zap.String("queue_id", queueID), zap.Int64("number", queue.Number), zap.String("admin_id", adminID))
	m.publish(ctx, events.TypeQueueClaimed, queue, adminID)
	return queue, nil
}

// Complete moves a SERVING entry to COMPLETED. Only the serving admin or an
// elevated admin may complete it.
func (m *Manager) Complete(ctx context.Context, queueID, adminID string) (models.Queue, error) {
	ctx, span := m.startSpan(ctx, "lifecycle.complete", queueID, adminID)
	defer span.End()

	admin, err := m.admin(ctx, adminID)
	if err != nil {
		recordError(span, err)
		return models.Queue{}, err
	}

	expectedAdmin := adminID
	if admin.Role.CanCompleteAny() {
		expectedAdmin = ""
	}

	complete := transition(store.ActionComplete)
	now := m.clock.Now().UTC()
	queue, err := m.queues.ConditionalUpdateStatus(ctx, store.StatusUpdate{
		QueueID:         queueID,
		ExpectedStatus:  complete.From,
		ExpectedAdminID: expectedAdmin,
		NewStatus:       complete.To,
		EndTime:         &now,
		UpdatedAt:       now,
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		if !store.ValidTransition(store.ActionComplete, queue.Status) {
			err = store.ErrInvalidTransition
		} else {
			err = store.ErrNotAuthorized
		}
	}
	if err != nil {
		recordError(span, err)
		m.logRejected(store.ActionComplete, queueID, adminID, err)
		return models.Queue{}, err
	}

	m.logger.Info("queue completed", zap.String("queue_id", queueID), zap.Int64("number", queue.Number), zap.String("admin_id", adminID))
	m.publish(ctx, events.TypeQueueCompleted, queue, adminID)
	return queue, nil
}

// Cancel moves a WAITING entry to CANCELED. The entry keeps no admin and no
// end time; the acting admin appears only in the log and the event.
func (m *Manager) Cancel(ctx context.Context, queueID, adminID string) (models.Queue, error) {
	ctx, span := m.startSpan(ctx, "lifecycle.cancel", queueID, adminID)
	defer span.End()

	if _, err := m.admin(ctx, adminID); err != nil {
		recordError(span, err)
		return models.Queue{}, err
	}

	cancel := transition(store.ActionCancel)
	now := m.clock.Now().UTC()
	queue, err := m.queues.ConditionalUpdateStatus(ctx, store.StatusUpdate{
		QueueID:        queueID,
		ExpectedStatus: cancel.From,
		NewStatus:      cancel.To,
		UpdatedAt:      now,
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		err = store.ErrInvalidTransition
	}
	if err != nil {
		recordError(span, err)
		m.logRejected(store.ActionCancel, queueID, adminID, err)
		return models.Queue{}, err
	}

	m.logger.Info("queue canceled", zap.String("queue_id", queueID), zap.Int64("number", queue.Number), zap.String("admin_id", adminID))
	m.publish(ctx, events.TypeQueueCanceled, queue, adminID)
	return queue, nil
}

// Apply dispatches one of the store.Action* names.
func (m *Manager) Apply(ctx context.Context, action, queueID, adminID string) (models.Queue, error) {
	switch action {
	case store.ActionClaim:
		return m.Claim(ctx, queueID, adminID)
	case store.ActionComplete:
		return m.Complete(ctx, queueID, adminID)
	case store.ActionCancel:
		return m.Cancel(ctx, queueID, adminID)
	default:
		return models.Queue{}, fmt.Errorf("action %q: %w", action, store.ErrInvalidTransition)
	}
}

// NextWaiting returns the WAITING entry with the smallest number, optionally
// restricted to one service.
func (m *Manager) NextWaiting(ctx context.Context, serviceID string) (models.Queue, bool, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.next_waiting")
	defer span.End()
	queue, ok, err := m.queues.NextWaiting(ctx, serviceID)
	if err != nil {
		recordError(span, err)
	}
	return queue, ok, err
}

func (m *Manager) Get(ctx context.Context, queueID string) (models.Queue, error) {
	return m.queues.GetQueue(ctx, queueID)
}

func (m *Manager) ListWaiting(ctx context.Context, serviceID string) ([]models.Queue, error) {
	return m.queues.ListWaiting(ctx, serviceID)
}

func transition(action string) store.Transition {
	t, ok := store.TransitionFor(action)
	if !ok {
		panic("lifecycle: no transition for " + action)
	}
	return t
}

func (m *Manager) admin(ctx context.Context, adminID string) (models.Admin, error) {
	if adminID == "" {
		return models.Admin{}, store.ErrInvalidReference
	}
	admin, err := m.refs.GetAdmin(ctx, adminID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Admin{}, fmt.Errorf("admin %s: %w", adminID, store.ErrInvalidReference)
	}
	return admin, err
}

func (m *Manager) publish(ctx context.Context, eventType string, queue models.Queue, actorID string) {
	event := events.NewQueueEvent(m.ids.NewID(), eventType, queue, actorID, m.clock.Now().UTC())
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("publish queue event failed",
			zap.String("type", eventType),
			zap.String("queue_id", queue.QueueID),
			zap.Error(err),
		)
	}
}

func (m *Manager) logRejected(action, queueID, adminID string, err error) {
	m.logger.Info("queue transition rejected",
		zap.String("action", action),
		zap.String("queue_id", queueID),
		zap.String("admin_id", adminID),
		zap.String("kind", store.Kind(err)),
	)
}

func (m *Manager) startSpan(ctx context.Context, name, queueID, adminID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("queue.id", queueID),
		attribute.String("admin.id", adminID),
	))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, store.Kind(err))
}
