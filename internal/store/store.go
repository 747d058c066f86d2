package store

import (
	"context"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
)

type CreateVisitorInput struct {
	VisitorID   string
	Name        string
	Phone       string
	Institution string
	Email       string
	CreatedAt   time.Time
}

type CreateQueueInput struct {
	QueueID   string
	VisitorID string
	ServiceID string
	LinkToken string
	CreatedAt time.Time
}

// StatusUpdate describes a conditional write: the row changes only when its
// current status equals ExpectedStatus and, if ExpectedAdminID is set, its
// admin equals ExpectedAdminID.
type StatusUpdate struct {
	QueueID         string
	ExpectedStatus  models.Status
	ExpectedAdminID string
	NewStatus       models.Status
	AdminID         string
	StartTime       *time.Time
	EndTime         *time.Time
	UpdatedAt       time.Time
}

type MintLinkInput struct {
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type CreateServiceInput struct {
	ServiceID string
	Name      string
	Active    bool
	CreatedAt time.Time
}

type UpdateServiceInput struct {
	ServiceID string
	Name      *string
	Active    *bool
	UpdatedAt time.Time
}

// QueueWriter is the set of creation primitives available both on a store and
// inside a ConsumeAndBindQueue transaction.
type QueueWriter interface {
	CreateVisitor(ctx context.Context, input CreateVisitorInput) (models.Visitor, error)
	// CreateWithNextSequence allocates the next global number and inserts a
	// WAITING entry. It fails with ErrInvalidReference for an unknown visitor
	// or service and with ErrServiceInactive for a deactivated service.
	CreateWithNextSequence(ctx context.Context, input CreateQueueInput) (models.Queue, error)
}

// QueueStore exposes only conditional and atomic mutation paths for queue
// entries; there is no unconditional status write.
type QueueStore interface {
	QueueWriter
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	GetQueueByLinkToken(ctx context.Context, token string) (models.Queue, error)
	// ConditionalUpdateStatus returns ErrNotFound for an unknown id. When the
	// precondition does not hold it returns the current row together with
	// ErrPreconditionFailed.
	ConditionalUpdateStatus(ctx context.Context, update StatusUpdate) (models.Queue, error)
	CountWaitingBefore(ctx context.Context, number int64) (int, error)
	NextWaiting(ctx context.Context, serviceID string) (models.Queue, bool, error)
	ListWaiting(ctx context.Context, serviceID string) ([]models.Queue, error)
	MarkSurveyFilled(ctx context.Context, queueID string, at time.Time) (models.Queue, error)
}

// QueueFactory creates the queue entry that a consumed link is bound to. It
// runs inside the consuming transaction.
type QueueFactory func(ctx context.Context, w QueueWriter) (models.Queue, error)

type LinkStore interface {
	Mint(ctx context.Context, input MintLinkInput) (models.TempVisitorLink, error)
	GetLink(ctx context.Context, token string) (models.TempVisitorLink, error)
	// ConsumeAndBindQueue marks the link used and binds the queue built by
	// factory, atomically. It fails with ErrNotFound, ErrAlreadyUsed or
	// ErrExpired without invoking factory, and leaves the link unused when
	// factory fails.
	ConsumeAndBindQueue(ctx context.Context, token string, now time.Time, factory QueueFactory) (models.Queue, error)
	GetStaticEntryPoint(ctx context.Context, token string) (models.StaticEntryPoint, error)
	CreateStaticEntryPoint(ctx context.Context, entry models.StaticEntryPoint) (models.StaticEntryPoint, error)
}

type ReferenceStore interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error)
	CreateService(ctx context.Context, input CreateServiceInput) (models.Service, error)
	UpdateService(ctx context.Context, input UpdateServiceInput) (models.Service, error)
	GetVisitor(ctx context.Context, visitorID string) (models.Visitor, error)
	GetAdmin(ctx context.Context, adminID string) (models.Admin, error)
}

// AverageSource reports the mean service duration of entries completed since
// the given time. ok is false when there is no completed entry in range.
type AverageSource interface {
	AverageServiceSeconds(ctx context.Context, since time.Time) (float64, bool, error)
}
