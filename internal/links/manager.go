// Package links turns permanent entry points into short-lived, single-use
// registration links and consumes them at registration time.
package links

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/ident"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const DefaultTTL = 15 * time.Minute

var tracer = otel.Tracer("antrean/links")

// QueueCreator creates the queue entry a consumed link is bound to.
// *lifecycle.Manager satisfies it.
type QueueCreator interface {
	CreateWith(ctx context.Context, w store.QueueWriter, visitorID, serviceID, linkToken string) (models.Queue, error)
	NotifyCreated(ctx context.Context, queue models.Queue)
}

type Options struct {
	Clock  clockwork.Clock
	TTL    time.Duration
	Logger *zap.Logger
	IDs    ident.Generator
}

type Manager struct {
	links   store.LinkStore
	creator QueueCreator
	clock   clockwork.Clock
	ttl     time.Duration
	logger  *zap.Logger
	ids     ident.Generator
}

func NewManager(links store.LinkStore, creator QueueCreator, opts Options) *Manager {
	m := &Manager{
		links:   links,
		creator: creator,
		clock:   opts.Clock,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		ids:     ident.OrDefault(opts.IDs),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// LinkState is the three-way answer the registration form branches on.
type LinkState struct {
	Token       string    `json:"token"`
	Valid       bool      `json:"valid"`
	AlreadyUsed bool      `json:"already_used"`
	Expired     bool      `json:"expired"`
	QueueID     string    `json:"queue_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type RegistrationInput struct {
	ServiceID   string
	Name        string
	Phone       string
	Institution string
	Email       string
}

// ResolveStatic mints a fresh dynamic link for a known static token. Every
// call mints a new link; earlier ones are left to expire.
func (m *Manager) ResolveStatic(ctx context.Context, staticToken string) (models.TempVisitorLink, error) {
	ctx, span := tracer.Start(ctx, "links.resolve_static")
	defer span.End()

	if _, err := m.links.GetStaticEntryPoint(ctx, staticToken); err != nil {
		span.SetStatus(codes.Error, store.Kind(err))
		return models.TempVisitorLink{}, err
	}
	return m.mint(ctx)
}

func (m *Manager) Validate(ctx context.Context, token string) (LinkState, error) {
	link, err := m.links.GetLink(ctx, token)
	if err != nil {
		return LinkState{}, err
	}
	return stateOf(link, m.clock.Now()), nil
}

// Redirect resolves a dead, unused link to a freshly minted one. Still valid
// links come back unchanged with minted false. Used links also come back
// unchanged: the visitor behind them is already registered and is sent on to
// tracking with the bound QueueID instead of to a new form.
func (m *Manager) Redirect(ctx context.Context, token string) (models.TempVisitorLink, bool, error) {
	link, err := m.links.GetLink(ctx, token)
	if err != nil {
		return models.TempVisitorLink{}, false, err
	}
	if link.Used || !link.Expired(m.clock.Now()) {
		return link, false, nil
	}
	fresh, err := m.mint(ctx)
	if err != nil {
		return models.TempVisitorLink{}, false, err
	}
	m.logger.Info("expired link reissued", zap.String("expired_token", token), zap.String("token", fresh.Token))
	return fresh, true, nil
}

// Register consumes token and creates the visitor and queue entry in the same
// transaction. A used link fails with store.ErrAlreadyUsed and an expired one
// with store.ErrExpired; in both cases nothing is created.
func (m *Manager) Register(ctx context.Context, token string, input RegistrationInput) (models.Queue, error) {
	ctx, span := tracer.Start(ctx, "links.register")
	defer span.End()

	input, err := normalizeRegistration(input)
	if err != nil {
		span.SetStatus(codes.Error, store.Kind(err))
		return models.Queue{}, err
	}

	now := m.clock.Now().UTC()
	queue, err := m.links.ConsumeAndBindQueue(ctx, token, now, func(ctx context.Context, w store.QueueWriter) (models.Queue, error) {
		visitor, err := w.CreateVisitor(ctx, store.CreateVisitorInput{
			VisitorID:   m.ids.NewID(),
			Name:        input.Name,
			Phone:       input.Phone,
			Institution: input.Institution,
			Email:       input.Email,
			CreatedAt:   now,
		})
		if err != nil {
			return models.Queue{}, err
		}
		return m.creator.CreateWith(ctx, w, visitor.VisitorID, input.ServiceID, token)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, store.Kind(err))
		m.logger.Info("registration rejected", zap.String("kind", store.Kind(err)), zap.String("service_id", input.ServiceID))
		return models.Queue{}, err
	}

	span.SetAttributes(attribute.String("queue.id", queue.QueueID))
	m.creator.NotifyCreated(ctx, queue)
	return queue, nil
}

// CreateEntryPoint provisions a new static token that path resolves through.
func (m *Manager) CreateEntryPoint(ctx context.Context, path string) (models.StaticEntryPoint, error) {
	path = strings.TrimSpace(path)
	token := m.ids.NewToken()
	if path == "" {
		path = "/entry/" + token
	}
	return m.links.CreateStaticEntryPoint(ctx, models.StaticEntryPoint{
		Token:     token,
		Path:      path,
		CreatedAt: m.clock.Now().UTC(),
	})
}

func (m *Manager) mint(ctx context.Context) (models.TempVisitorLink, error) {
	now := m.clock.Now().UTC()
	link, err := m.links.Mint(ctx, store.MintLinkInput{
		Token:     m.ids.NewToken(),
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return models.TempVisitorLink{}, fmt.Errorf("mint link: %w", err)
	}
	return link, nil
}

func stateOf(link models.TempVisitorLink, now time.Time) LinkState {
	state := LinkState{
		Token:     link.Token,
		ExpiresAt: link.ExpiresAt,
	}
	state.Valid = link.Valid(now)
	switch {
	case link.Used:
		state.AlreadyUsed = true
		if link.QueueID != nil {
			state.QueueID = *link.QueueID
		}
	case !state.Valid:
		state.Expired = true
	}
	return state
}

var errPhone = errors.New("phone must contain 8 to 16 digits")

func normalizeRegistration(input RegistrationInput) (RegistrationInput, error) {
	input.ServiceID = strings.TrimSpace(input.ServiceID)
	input.Name = strings.TrimSpace(input.Name)
	input.Institution = strings.TrimSpace(input.Institution)
	input.Email = strings.TrimSpace(input.Email)

	if input.ServiceID == "" {
		return input, fmt.Errorf("service_id is required: %w", store.ErrInvalidInput)
	}
	if input.Name == "" {
		return input, fmt.Errorf("name is required: %w", store.ErrInvalidInput)
	}
	phone, err := normalizePhone(input.Phone)
	if err != nil {
		return input, fmt.Errorf("%v: %w", err, store.ErrInvalidInput)
	}
	input.Phone = phone
	if input.Email != "" {
		if _, err := mail.ParseAddress(input.Email); err != nil {
			return input, fmt.Errorf("email is invalid: %w", store.ErrInvalidInput)
		}
	}
	return input, nil
}

// normalizePhone strips separators and keeps a leading plus.
func normalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	digits := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", errPhone
		}
	}
	if digits < 8 || digits > 16 {
		return "", errPhone
	}
	return b.String(), nil
}
