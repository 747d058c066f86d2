// Package memory is a process-local implementation of the store contracts.
// Every mutation runs under a single mutex, which gives the conditional
// updates the same linearizability the Postgres store gets from row locks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"
)

type Store struct {
	mu         sync.Mutex
	lastNumber int64
	queues     map[string]*models.Queue
	byLink     map[string]string
	visitors   map[string]models.Visitor
	services   map[string]models.Service
	admins     map[string]models.Admin
	links      map[string]*models.TempVisitorLink
	entries    map[string]models.StaticEntryPoint
}

var (
	_ store.QueueStore     = (*Store)(nil)
	_ store.LinkStore      = (*Store)(nil)
	_ store.ReferenceStore = (*Store)(nil)
	_ store.AverageSource  = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		queues:   make(map[string]*models.Queue),
		byLink:   make(map[string]string),
		visitors: make(map[string]models.Visitor),
		services: make(map[string]models.Service),
		admins:   make(map[string]models.Admin),
		links:    make(map[string]*models.TempVisitorLink),
		entries:  make(map[string]models.StaticEntryPoint),
	}
}

// PutAdmin registers a staff account. Admin provisioning lives outside the
// service, so this is only used for seeding.
func (s *Store) PutAdmin(admin models.Admin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[admin.AdminID] = admin
}

func (s *Store) CreateVisitor(ctx context.Context, input store.CreateVisitorInput) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.begin()
	visitor, err := tx.CreateVisitor(ctx, input)
	if err != nil {
		return models.Visitor{}, err
	}
	tx.commit()
	return visitor, nil
}

func (s *Store) CreateWithNextSequence(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.begin()
	queue, err := tx.CreateWithNextSequence(ctx, input)
	if err != nil {
		return models.Queue{}, err
	}
	tx.commit()
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrNotFound
	}
	return *queue, nil
}

func (s *Store) GetQueueByLinkToken(ctx context.Context, token string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueID, ok := s.byLink[token]
	if !ok {
		return models.Queue{}, store.ErrNotFound
	}
	return *s.queues[queueID], nil
}

func (s *Store) ConditionalUpdateStatus(ctx context.Context, update store.StatusUpdate) (models.Queue, error) {
	if !update.NewStatus.Valid() {
		return models.Queue{}, fmt.Errorf("status %q: %w", update.NewStatus, store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[update.QueueID]
	if !ok {
		return models.Queue{}, store.ErrNotFound
	}
	if queue.Status != update.ExpectedStatus {
		return *queue, store.ErrPreconditionFailed
	}
	if update.ExpectedAdminID != "" && !queue.ServedBy(update.ExpectedAdminID) {
		return *queue, store.ErrPreconditionFailed
	}

	queue.Status = update.NewStatus
	if update.AdminID != "" {
		adminID := update.AdminID
		queue.AdminID = &adminID
	}
	if update.StartTime != nil && queue.StartTime == nil {
		start := *update.StartTime
		queue.StartTime = &start
	}
	if update.EndTime != nil && queue.EndTime == nil {
		end := *update.EndTime
		queue.EndTime = &end
	}
	queue.UpdatedAt = update.UpdatedAt
	return *queue, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, number int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, queue := range s.queues {
		if queue.Status == models.StatusWaiting && queue.Number < number {
			count++
		}
	}
	return count, nil
}

func (s *Store) NextWaiting(ctx context.Context, serviceID string) (models.Queue, bool, error) {
	waiting, err := s.ListWaiting(ctx, serviceID)
	if err != nil || len(waiting) == 0 {
		return models.Queue{}, false, err
	}
	return waiting[0], true, nil
}

func (s *Store) ListWaiting(ctx context.Context, serviceID string) ([]models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waiting []models.Queue
	for _, queue := range s.queues {
		if queue.Status != models.StatusWaiting {
			continue
		}
		if serviceID != "" && queue.ServiceID != serviceID {
			continue
		}
		waiting = append(waiting, *queue)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].Number < waiting[j].Number })
	return waiting, nil
}

func (s *Store) MarkSurveyFilled(ctx context.Context, queueID string, at time.Time) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrNotFound
	}
	if queue.Status != models.StatusCompleted {
		return *queue, store.ErrPreconditionFailed
	}
	if !queue.SurveyFilled {
		queue.SurveyFilled = true
		queue.UpdatedAt = at
	}
	return *queue, nil
}

func (s *Store) Mint(ctx context.Context, input store.MintLinkInput) (models.TempVisitorLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.links[input.Token]; exists {
		return models.TempVisitorLink{}, store.ErrInvalidInput
	}
	link := &models.TempVisitorLink{
		Token:     input.Token,
		ExpiresAt: input.ExpiresAt,
		CreatedAt: input.CreatedAt,
		UpdatedAt: input.CreatedAt,
	}
	s.links[input.Token] = link
	return *link, nil
}

func (s *Store) GetLink(ctx context.Context, token string) (models.TempVisitorLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[token]
	if !ok {
		return models.TempVisitorLink{}, store.ErrNotFound
	}
	return *link, nil
}

func (s *Store) ConsumeAndBindQueue(ctx context.Context, token string, now time.Time, factory store.QueueFactory) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[token]
	if !ok {
		return models.Queue{}, store.ErrNotFound
	}
	if link.Used {
		return models.Queue{}, store.ErrAlreadyUsed
	}
	if link.Expired(now) {
		return models.Queue{}, store.ErrExpired
	}

	tx := s.begin()
	queue, err := factory(ctx, tx)
	if err != nil {
		return models.Queue{}, err
	}
	tx.commit()

	queueID := queue.QueueID
	link.Used = true
	link.QueueID = &queueID
	link.UpdatedAt = now
	s.byLink[token] = queueID
	return queue, nil
}

func (s *Store) GetStaticEntryPoint(ctx context.Context, token string) (models.StaticEntryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return models.StaticEntryPoint{}, store.ErrNotFound
	}
	return entry, nil
}

func (s *Store) CreateStaticEntryPoint(ctx context.Context, entry models.StaticEntryPoint) (models.StaticEntryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Token]; exists {
		return models.StaticEntryPoint{}, store.ErrInvalidInput
	}
	s.entries[entry.Token] = entry
	return entry, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrNotFound
	}
	return service, nil
}

func (s *Store) ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var services []models.Service
	for _, service := range s.services {
		if activeOnly && !service.Active {
			continue
		}
		services = append(services, service)
	}
	sort.Slice(services, func(i, j int) bool {
		return strings.ToLower(services[i].Name) < strings.ToLower(services[j].Name)
	})
	return services, nil
}

func (s *Store) CreateService(ctx context.Context, input store.CreateServiceInput) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[input.ServiceID]; exists {
		return models.Service{}, store.ErrInvalidInput
	}
	service := models.Service{
		ServiceID: input.ServiceID,
		Name:      input.Name,
		Active:    input.Active,
		CreatedAt: input.CreatedAt,
		UpdatedAt: input.CreatedAt,
	}
	s.services[service.ServiceID] = service
	return service, nil
}

func (s *Store) UpdateService(ctx context.Context, input store.UpdateServiceInput) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[input.ServiceID]
	if !ok {
		return models.Service{}, store.ErrNotFound
	}
	if input.Name != nil {
		service.Name = *input.Name
	}
	if input.Active != nil {
		service.Active = *input.Active
	}
	service.UpdatedAt = input.UpdatedAt
	s.services[service.ServiceID] = service
	return service, nil
}

func (s *Store) GetVisitor(ctx context.Context, visitorID string) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	visitor, ok := s.visitors[visitorID]
	if !ok {
		return models.Visitor{}, store.ErrNotFound
	}
	return visitor, nil
}

func (s *Store) GetAdmin(ctx context.Context, adminID string) (models.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	admin, ok := s.admins[adminID]
	if !ok {
		return models.Admin{}, store.ErrNotFound
	}
	return admin, nil
}

func (s *Store) AverageServiceSeconds(ctx context.Context, since time.Time) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	count := 0
	for _, queue := range s.queues {
		if queue.Status != models.StatusCompleted || queue.StartTime == nil || queue.EndTime == nil {
			continue
		}
		if queue.EndTime.Before(since) {
			continue
		}
		total += queue.EndTime.Sub(*queue.StartTime).Seconds()
		count++
	}
	if count == 0 {
		return 0, false, nil
	}
	return total / float64(count), true, nil
}

// txWriter stages creations made while s.mu is held and applies them on
// commit. Discarding it leaves the store untouched.
type txWriter struct {
	s        *Store
	visitors []models.Visitor
	queues   []models.Queue
}

func (s *Store) begin() *txWriter {
	return &txWriter{s: s}
}

func (tx *txWriter) CreateVisitor(ctx context.Context, input store.CreateVisitorInput) (models.Visitor, error) {
	if _, exists := tx.s.visitors[input.VisitorID]; exists || input.VisitorID == "" {
		return models.Visitor{}, store.ErrInvalidInput
	}
	visitor := models.Visitor{
		VisitorID:   input.VisitorID,
		Name:        input.Name,
		Phone:       input.Phone,
		Institution: input.Institution,
		Email:       input.Email,
		CreatedAt:   input.CreatedAt,
	}
	tx.visitors = append(tx.visitors, visitor)
	return visitor, nil
}

func (tx *txWriter) CreateWithNextSequence(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	if !tx.visitorExists(input.VisitorID) {
		return models.Queue{}, store.ErrInvalidReference
	}
	service, ok := tx.s.services[input.ServiceID]
	if !ok {
		return models.Queue{}, store.ErrInvalidReference
	}
	if !service.Active {
		return models.Queue{}, store.ErrServiceInactive
	}
	if _, exists := tx.s.queues[input.QueueID]; exists || input.QueueID == "" {
		return models.Queue{}, store.ErrInvalidInput
	}

	queue := models.Queue{
		QueueID:   input.QueueID,
		Number:    tx.s.lastNumber + int64(len(tx.queues)) + 1,
		Status:    models.StatusWaiting,
		VisitorID: input.VisitorID,
		ServiceID: input.ServiceID,
		CreatedAt: input.CreatedAt,
		UpdatedAt: input.CreatedAt,
	}
	if input.LinkToken != "" {
		token := input.LinkToken
		queue.LinkToken = &token
	}
	tx.queues = append(tx.queues, queue)
	return queue, nil
}

func (tx *txWriter) visitorExists(visitorID string) bool {
	if _, ok := tx.s.visitors[visitorID]; ok {
		return true
	}
	for _, visitor := range tx.visitors {
		if visitor.VisitorID == visitorID {
			return true
		}
	}
	return false
}

func (tx *txWriter) commit() {
	for _, visitor := range tx.visitors {
		tx.s.visitors[visitor.VisitorID] = visitor
	}
	for i := range tx.queues {
		queue := tx.queues[i]
		tx.s.queues[queue.QueueID] = &queue
		if queue.Number > tx.s.lastNumber {
			tx.s.lastNumber = queue.Number
		}
		if queue.LinkToken != nil {
			tx.s.byLink[*queue.LinkToken] = queue.QueueID
		}
	}
}
