package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/events"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store/memory"

	"github.com/jonboulle/clockwork"
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.QueueEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.QueueEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fixture struct {
	st        *memory.Store
	clock     *clockwork.FakeClock
	publisher *recordingPublisher
	manager   *Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memory.NewStore()
	ctx := context.Background()
	if _, err := st.CreateService(ctx, store.CreateServiceInput{ServiceID: "svc", Name: "Konsultasi", Active: true, CreatedAt: start}); err != nil {
		t.Fatalf("create service: %v", err)
	}
	if _, err := st.CreateService(ctx, store.CreateServiceInput{ServiceID: "svc-off", Name: "Arsip", Active: false, CreatedAt: start}); err != nil {
		t.Fatalf("create service: %v", err)
	}
	st.PutAdmin(models.Admin{AdminID: "x", Name: "X", Role: models.RoleOrdinary})
	st.PutAdmin(models.Admin{AdminID: "y", Name: "Y", Role: models.RoleOrdinary})
	st.PutAdmin(models.Admin{AdminID: "boss", Name: "Boss", Role: models.RoleElevated})

	clock := clockwork.NewFakeClockAt(start)
	publisher := &recordingPublisher{}
	manager := NewManager(st, st, Options{Clock: clock, Publisher: publisher})
	return fixture{st: st, clock: clock, publisher: publisher, manager: manager}
}

func (f fixture) create(t *testing.T, serviceID string) models.Queue {
	t.Helper()
	ctx := context.Background()
	visitorID := fmt.Sprintf("v-%d", f.clock.Now().UnixNano())
	f.clock.Advance(time.Millisecond)
	if _, err := f.st.CreateVisitor(ctx, store.CreateVisitorInput{VisitorID: visitorID, Name: "V", Phone: "0812345678", CreatedAt: f.clock.Now()}); err != nil {
		t.Fatalf("create visitor: %v", err)
	}
	queue, err := f.manager.Create(ctx, visitorID, serviceID, "")
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return queue
}

func TestClaimAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var queue models.Queue
	for i := 0; i < 5; i++ {
		queue = f.create(t, "svc")
	}
	if queue.Number != 5 || queue.Status != models.StatusWaiting {
		t.Fatalf("expected WAITING number 5, got %+v", queue)
	}

	f.clock.Advance(time.Minute)
	claimed, err := f.manager.Claim(ctx, queue.QueueID, "x")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != models.StatusServing || !claimed.ServedBy("x") {
		t.Fatalf("unexpected claimed entry: %+v", claimed)
	}
	if claimed.StartTime == nil || !claimed.StartTime.Equal(f.clock.Now()) {
		t.Fatalf("expected start time %v, got %v", f.clock.Now(), claimed.StartTime)
	}

	f.clock.Advance(time.Second)
	if _, err := f.manager.Claim(ctx, queue.QueueID, "y"); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed, got %v", err)
	}
	if _, err := f.manager.Claim(ctx, queue.QueueID, "x"); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed on repeat, got %v", err)
	}

	after, err := f.manager.Get(ctx, queue.QueueID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.ServedBy("x") || !after.StartTime.Equal(*claimed.StartTime) || !after.UpdatedAt.Equal(claimed.UpdatedAt) {
		t.Fatalf("entry changed by losing claim: %+v", after)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	f := newFixture(t)
	queue := f.create(t, "svc")

	const claimers = 50
	for i := 0; i < claimers; i++ {
		f.st.PutAdmin(models.Admin{AdminID: fmt.Sprintf("a%d", i), Role: models.RoleOrdinary})
	}

	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.Claim(context.Background(), queue.QueueID, fmt.Sprintf("a%d", i))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, store.ErrAlreadyClaimed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.create(t, "svc")

	if _, err := f.manager.Complete(ctx, queue.QueueID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for WAITING entry, got %v", err)
	}
	if _, err := f.manager.Claim(ctx, queue.QueueID, "x"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.manager.Complete(ctx, queue.QueueID, "y"); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	f.clock.Advance(7 * time.Minute)
	completed, err := f.manager.Complete(ctx, queue.QueueID, "x")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.EndTime == nil || !completed.EndTime.Equal(f.clock.Now()) {
		t.Fatalf("unexpected completed entry: %+v", completed)
	}
	if _, err := f.manager.Complete(ctx, queue.QueueID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on repeat, got %v", err)
	}
	if _, err := f.manager.Claim(ctx, queue.QueueID, "y"); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed for COMPLETED entry, got %v", err)
	}
}

func TestElevatedAdminCompletesAnyEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.create(t, "svc")
	if _, err := f.manager.Claim(ctx, queue.QueueID, "x"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	completed, err := f.manager.Complete(ctx, queue.QueueID, "boss")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed.ServedBy("x") {
		t.Fatalf("serving admin must be preserved, got %+v", completed.AdminID)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.create(t, "svc")

	canceled, err := f.manager.Cancel(ctx, queue.QueueID, "y")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != models.StatusCanceled || canceled.EndTime != nil || canceled.StartTime != nil || canceled.AdminID != nil {
		t.Fatalf("unexpected canceled entry: %+v", canceled)
	}
	if _, err := f.manager.Claim(ctx, queue.QueueID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition claiming canceled entry, got %v", err)
	}
	if _, err := f.manager.Cancel(ctx, queue.QueueID, "y"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on repeat cancel, got %v", err)
	}

	serving := f.create(t, "svc")
	if _, err := f.manager.Claim(ctx, serving.QueueID, "x"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.manager.Cancel(ctx, serving.QueueID, "x"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition canceling SERVING entry, got %v", err)
	}
}

func TestReferenceErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.create(t, "svc")

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"unknown queue", func() error { _, err := f.manager.Claim(ctx, "missing", "x"); return err }, store.ErrNotFound},
		{"unknown admin", func() error { _, err := f.manager.Claim(ctx, queue.QueueID, "ghost"); return err }, store.ErrInvalidReference},
		{"empty admin", func() error { _, err := f.manager.Cancel(ctx, queue.QueueID, ""); return err }, store.ErrInvalidReference},
		{"unknown visitor", func() error { _, err := f.manager.Create(ctx, "ghost", "svc", ""); return err }, store.ErrInvalidReference},
		{"unknown action", func() error { _, err := f.manager.Apply(ctx, "serve", queue.QueueID, "x"); return err }, store.ErrInvalidTransition},
	}
	for _, tt := range cases {
		if err := tt.run(); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	if _, err := f.st.CreateVisitor(ctx, store.CreateVisitorInput{VisitorID: "v-off", Name: "V", Phone: "0812345678"}); err != nil {
		t.Fatalf("create visitor: %v", err)
	}
	if _, err := f.manager.Create(ctx, "v-off", "svc-off", ""); !errors.Is(err, store.ErrServiceInactive) {
		t.Fatalf("expected service inactive, got %v", err)
	}
}

func TestStatusPathsStayClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.create(t, "svc")

	observed := []models.Status{queue.Status}
	steps := []struct {
		action string
		admin  string
	}{
		{store.ActionComplete, "x"},
		{store.ActionClaim, "x"},
		{store.ActionCancel, "x"},
		{store.ActionClaim, "y"},
		{store.ActionComplete, "x"},
		{store.ActionCancel, "x"},
		{store.ActionClaim, "x"},
		{store.ActionComplete, "boss"},
	}
	for _, step := range steps {
		updated, err := f.manager.Apply(ctx, step.action, queue.QueueID, step.admin)
		if err == nil {
			observed = append(observed, updated.Status)
		}
	}

	want := []models.Status{models.StatusWaiting, models.StatusServing, models.StatusCompleted}
	if len(observed) != len(want) {
		t.Fatalf("observed %v, want %v", observed, want)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("observed %v, want %v", observed, want)
		}
		if i > 0 && !store.Reachable(observed[i-1], observed[i]) {
			t.Fatalf("illegal step %s -> %s", observed[i-1], observed[i])
		}
	}
}

func TestEventsFollowSuccessfulTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publisher.err = errors.New("broker down")

	queue := f.create(t, "svc")
	if _, err := f.manager.Claim(ctx, queue.QueueID, "x"); err != nil {
		t.Fatalf("claim must succeed when publishing fails: %v", err)
	}
	_, _ = f.manager.Claim(ctx, queue.QueueID, "y")
	if _, err := f.manager.Complete(ctx, queue.QueueID, "x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	other := f.create(t, "svc")
	if _, err := f.manager.Cancel(ctx, other.QueueID, "y"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := f.publisher.types()
	want := []string{events.TypeQueueCreated, events.TypeQueueClaimed, events.TypeQueueCompleted, events.TypeQueueCreated, events.TypeQueueCanceled}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	if f.publisher.events[4].ActorID != "y" {
		t.Fatalf("cancel event must carry the acting admin, got %q", f.publisher.events[4].ActorID)
	}
}

func TestClaimWithUnresponsiveBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	defer func() {
		for {
			select {
			case conn := <-accepted:
				_ = conn.Close()
			default:
				return
			}
		}
	}()

	publisher := events.NewAMQPPublisher("amqp://guest:guest@"+ln.Addr().String()+"/", events.AMQPOptions{DialTimeout: 500 * time.Millisecond})
	defer publisher.Close()

	f := newFixture(t)
	f.manager = NewManager(f.st, f.st, Options{Clock: f.clock, Publisher: publisher})
	queue := f.create(t, "svc")

	begin := time.Now()
	claimed, err := f.manager.Claim(context.Background(), queue.QueueID, "x")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 250*time.Millisecond {
		t.Fatalf("claim waited %s on the broker", elapsed)
	}
	if claimed.Status != models.StatusServing {
		t.Fatalf("expected SERVING, got %s", claimed.Status)
	}
}

func TestNextWaitingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, ok, err := f.manager.NextWaiting(ctx, ""); err != nil || ok {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}

	first := f.create(t, "svc")
	second := f.create(t, "svc")
	next, ok, err := f.manager.NextWaiting(ctx, "svc")
	if err != nil || !ok || next.QueueID != first.QueueID {
		t.Fatalf("expected first entry, got %+v ok=%v err=%v", next, ok, err)
	}

	if _, err := f.manager.Claim(ctx, first.QueueID, "x"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	next, ok, err = f.manager.NextWaiting(ctx, "")
	if err != nil || !ok || next.QueueID != second.QueueID {
		t.Fatalf("expected second entry, got %+v ok=%v err=%v", next, ok, err)
	}

	waiting, err := f.manager.ListWaiting(ctx, "svc")
	if err != nil || len(waiting) != 1 {
		t.Fatalf("expected one waiting entry, got %d err=%v", len(waiting), err)
	}
}

func TestConcurrentCreatesGetDistinctNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const creators = 40
	for i := 0; i < creators; i++ {
		if _, err := f.st.CreateVisitor(ctx, store.CreateVisitorInput{VisitorID: fmt.Sprintf("cv%d", i), Name: "V", Phone: "0812345678"}); err != nil {
			t.Fatalf("create visitor: %v", err)
		}
	}

	var wg sync.WaitGroup
	numbers := make(chan int64, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			queue, err := f.manager.Create(ctx, fmt.Sprintf("cv%d", i), "svc", "")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			numbers <- queue.Number
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[int64]bool{}
	for number := range numbers {
		if seen[number] {
			t.Fatalf("number %d issued twice", number)
		}
		seen[number] = true
	}
	for number := int64(1); number <= creators; number++ {
		if !seen[number] {
			t.Fatalf("number %d missing", number)
		}
	}
}
