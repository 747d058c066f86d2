// Package tracking serves the visitor's read-only view of a queue entry and
// the hash-based poll that lets clients skip unchanged snapshots.
package tracking

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/stats"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const DefaultPollInterval = 30 * time.Second

const (
	ReasonNoRegistration = "no active registration"
	ReasonLinkExpired    = "link expired"
)

var tracer = otel.Tracer("antrean/tracking")

var ErrNotSubmitted = errors.New("registration not submitted")

// NotSubmittedError is returned for a link that exists but has no queue
// entry bound to it yet.
type NotSubmittedError struct {
	Reason string
}

func (e *NotSubmittedError) Error() string {
	return "registration not submitted: " + e.Reason
}

func (e *NotSubmittedError) Is(target error) bool {
	return target == ErrNotSubmitted
}

type Snapshot struct {
	QueueID          string        `json:"queue_id"`
	Number           int64         `json:"number"`
	ServiceID        string        `json:"service_id"`
	ServiceName      string        `json:"service_name"`
	VisitorName      string        `json:"visitor_name"`
	Status           models.Status `json:"status"`
	WaitingBefore    int           `json:"waiting_before"`
	EstimatedMinutes int           `json:"estimated_minutes"`
	CreatedAt        time.Time     `json:"created_at"`
	StartTime        *time.Time    `json:"start_time,omitempty"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	SurveyFilled     bool          `json:"survey_filled"`
}

type PollResult struct {
	HasChanges bool      `json:"has_changes"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
	Hash       string    `json:"hash"`
}

type Options struct {
	Clock        clockwork.Clock
	Logger       *zap.Logger
	PollInterval time.Duration
}

type Tracker struct {
	queues       store.QueueStore
	links        store.LinkStore
	refs         store.ReferenceStore
	stats        stats.Provider
	clock        clockwork.Clock
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewTracker(queues store.QueueStore, links store.LinkStore, refs store.ReferenceStore, provider stats.Provider, opts Options) *Tracker {
	t := &Tracker{
		queues:       queues,
		links:        links,
		refs:         refs,
		stats:        provider,
		clock:        opts.Clock,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.pollInterval <= 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.stats == nil {
		t.stats = stats.Fixed(0)
	}
	return t
}

// PollInterval is the interval clients are told to poll at.
func (t *Tracker) PollInterval() time.Duration {
	return t.pollInterval
}

// Snapshot resolves credential, a dynamic link token or a queue id, to the
// current view of its queue entry.
func (t *Tracker) Snapshot(ctx context.Context, credential string) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "tracking.snapshot")
	defer span.End()

	queue, err := t.resolve(ctx, credential)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}
	span.SetAttributes(attribute.String("queue.id", queue.QueueID))
	return t.build(ctx, queue)
}

// Poll returns the snapshot only when its hash differs from previousHash. An
// empty previousHash always yields the full snapshot.
func (t *Tracker) Poll(ctx context.Context, credential, previousHash string) (PollResult, error) {
	snapshot, err := t.Snapshot(ctx, credential)
	if err != nil {
		return PollResult{}, err
	}
	hash := Hash(snapshot)
	if previousHash != "" && previousHash == hash {
		return PollResult{HasChanges: false, Hash: hash}, nil
	}
	return PollResult{HasChanges: true, Snapshot: &snapshot, Hash: hash}, nil
}

// MarkSurveyFilled flags the survey on a COMPLETED entry and returns the
// resulting snapshot.
func (t *Tracker) MarkSurveyFilled(ctx context.Context, credential string) (Snapshot, error) {
	queue, err := t.resolve(ctx, credential)
	if err != nil {
		return Snapshot{}, err
	}
	queue, err = t.queues.MarkSurveyFilled(ctx, queue.QueueID, t.clock.Now().UTC())
	if errors.Is(err, store.ErrPreconditionFailed) {
		return Snapshot{}, store.ErrInvalidTransition
	}
	if err != nil {
		return Snapshot{}, err
	}
	return t.build(ctx, queue)
}

func (t *Tracker) resolve(ctx context.Context, credential string) (models.Queue, error) {
	if credential == "" {
		return models.Queue{}, store.ErrNotFound
	}

	link, err := t.links.GetLink(ctx, credential)
	switch {
	case err == nil:
		if !link.Used || link.QueueID == nil {
			reason := ReasonNoRegistration
			if link.Expired(t.clock.Now()) {
				reason = ReasonLinkExpired
			}
			return models.Queue{}, &NotSubmittedError{Reason: reason}
		}
		return t.queues.GetQueue(ctx, *link.QueueID)
	case errors.Is(err, store.ErrNotFound):
		return t.queues.GetQueue(ctx, credential)
	default:
		return models.Queue{}, err
	}
}

func (t *Tracker) build(ctx context.Context, queue models.Queue) (Snapshot, error) {
	service, err := t.refs.GetService(ctx, queue.ServiceID)
	if err != nil {
		return Snapshot{}, err
	}
	visitor, err := t.refs.GetVisitor(ctx, queue.VisitorID)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		QueueID:      queue.QueueID,
		Number:       queue.Number,
		ServiceID:    service.ServiceID,
		ServiceName:  service.Name,
		VisitorName:  visitor.Name,
		Status:       queue.Status,
		CreatedAt:    queue.CreatedAt,
		StartTime:    queue.StartTime,
		EndTime:      queue.EndTime,
		SurveyFilled: queue.SurveyFilled,
	}

	if queue.Status != models.StatusWaiting {
		return snapshot, nil
	}
	snapshot.WaitingBefore, err = t.queues.CountWaitingBefore(ctx, queue.Number)
	if err != nil {
		return Snapshot{}, err
	}

	avg, err := t.stats.AverageServiceMinutes(ctx)
	if err != nil {
		t.logger.Warn("average service time unavailable", zap.Error(err))
		avg = 0
	}
	snapshot.EstimatedMinutes = EstimateMinutes(snapshot.WaitingBefore, avg)
	return snapshot, nil
}

// EstimateMinutes projects the wait linearly and rounds to whole minutes.
func EstimateMinutes(waitingBefore int, averageMinutes float64) int {
	if waitingBefore <= 0 || averageMinutes <= 0 {
		return 0
	}
	return int(math.Round(float64(waitingBefore) * averageMinutes))
}
