package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const queueColumns = `queue_id, number, status, visitor_id, service_id, admin_id, start_time, end_time, link_token, survey_filled, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.QueueStore     = (*Store)(nil)
	_ store.LinkStore      = (*Store)(nil)
	_ store.ReferenceStore = (*Store)(nil)
	_ store.AverageSource  = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) CreateVisitor(ctx context.Context, input store.CreateVisitorInput) (models.Visitor, error) {
	return createVisitor(ctx, s.pool, input)
}

func (s *Store) CreateWithNextSequence(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var queue models.Queue
	queue, err = createQueue(ctx, tx, input)
	if err != nil {
		return models.Queue{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return getQueue(ctx, s.pool, queueID)
}

func (s *Store) GetQueueByLinkToken(ctx context.Context, token string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT q.queue_id, q.number, q.status, q.visitor_id, q.service_id, q.admin_id, q.start_time, q.end_time, q.link_token, q.survey_filled, q.created_at, q.updated_at
		FROM temp_visitor_links l
		JOIN queues q ON q.queue_id = l.queue_id
		WHERE l.token = $1
	`, token)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) ConditionalUpdateStatus(ctx context.Context, update store.StatusUpdate) (models.Queue, error) {
	if !update.NewStatus.Valid() {
		return models.Queue{}, fmt.Errorf("status %q: %w", update.NewStatus, store.ErrInvalidInput)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE queues
		SET status = $2,
			admin_id = COALESCE($3, admin_id),
			start_time = COALESCE(start_time, $4),
			end_time = COALESCE(end_time, $5),
			updated_at = $6
		WHERE queue_id = $1 AND status = $7 AND ($8::text IS NULL OR admin_id = $8)
		RETURNING `+queueColumns,
		update.QueueID, update.NewStatus, nullIfEmpty(update.AdminID), update.StartTime, update.EndTime,
		update.UpdatedAt, update.ExpectedStatus, nullIfEmpty(update.ExpectedAdminID))

	queue, err := scanQueue(row)
	if err == nil {
		return queue, nil
	}
	if isPgCode(err, pgForeignKeyViolation) {
		return models.Queue{}, store.ErrInvalidReference
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, err
	}

	current, err := getQueue(ctx, s.pool, update.QueueID)
	if err != nil {
		return models.Queue{}, err
	}
	return current, store.ErrPreconditionFailed
}

func (s *Store) CountWaitingBefore(ctx context.Context, number int64) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM queues
		WHERE status = 'WAITING' AND number < $1
	`, number)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) NextWaiting(ctx context.Context, serviceID string) (models.Queue, bool, error) {
	query := `SELECT ` + queueColumns + ` FROM queues WHERE status = 'WAITING'`
	args := []interface{}{}
	if serviceID != "" {
		query += " AND service_id = $1"
		args = append(args, serviceID)
	}
	query += " ORDER BY number ASC LIMIT 1"

	queue, err := scanQueue(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, false, nil
		}
		return models.Queue{}, false, err
	}
	return queue, true, nil
}

func (s *Store) ListWaiting(ctx context.Context, serviceID string) ([]models.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues WHERE status = 'WAITING'`
	args := []interface{}{}
	if serviceID != "" {
		query += " AND service_id = $1"
		args = append(args, serviceID)
	}
	query += " ORDER BY number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	return queues, rows.Err()
}

func (s *Store) MarkSurveyFilled(ctx context.Context, queueID string, at time.Time) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queues
		SET updated_at = CASE WHEN survey_filled THEN updated_at ELSE $2 END,
			survey_filled = TRUE
		WHERE queue_id = $1 AND status = 'COMPLETED'
		RETURNING `+queueColumns, queueID, at)
	queue, err := scanQueue(row)
	if err == nil {
		return queue, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, err
	}
	current, err := getQueue(ctx, s.pool, queueID)
	if err != nil {
		return models.Queue{}, err
	}
	return current, store.ErrPreconditionFailed
}

func (s *Store) Mint(ctx context.Context, input store.MintLinkInput) (models.TempVisitorLink, error) {
	link := models.TempVisitorLink{
		Token:     input.Token,
		ExpiresAt: input.ExpiresAt,
		CreatedAt: input.CreatedAt,
		UpdatedAt: input.CreatedAt,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO temp_visitor_links (token, expires_at, used, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $3)
	`, input.Token, input.ExpiresAt, input.CreatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return models.TempVisitorLink{}, store.ErrInvalidInput
		}
		return models.TempVisitorLink{}, err
	}
	return link, nil
}

func (s *Store) GetLink(ctx context.Context, token string) (models.TempVisitorLink, error) {
	var link models.TempVisitorLink
	var queueIDNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT token, expires_at, used, queue_id, created_at, updated_at
		FROM temp_visitor_links
		WHERE token = $1
	`, token)
	if err := row.Scan(&link.Token, &link.ExpiresAt, &link.Used, &queueIDNull, &link.CreatedAt, &link.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TempVisitorLink{}, store.ErrNotFound
		}
		return models.TempVisitorLink{}, err
	}
	link.QueueID = nullStringPtr(queueIDNull)
	return link, nil
}

func (s *Store) ConsumeAndBindQueue(ctx context.Context, token string, now time.Time, factory store.QueueFactory) (models.Queue, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var link models.TempVisitorLink
	row := tx.QueryRow(ctx, `
		SELECT expires_at, used
		FROM temp_visitor_links
		WHERE token = $1
		FOR UPDATE
	`, token)
	if err = row.Scan(&link.ExpiresAt, &link.Used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNotFound
		}
		return models.Queue{}, err
	}
	if link.Used {
		err = store.ErrAlreadyUsed
		return models.Queue{}, err
	}
	if link.Expired(now) {
		err = store.ErrExpired
		return models.Queue{}, err
	}

	var queue models.Queue
	queue, err = factory(ctx, txWriter{tx: tx})
	if err != nil {
		return models.Queue{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE temp_visitor_links
		SET used = TRUE, queue_id = $2, updated_at = $3
		WHERE token = $1
	`, token, queue.QueueID, now); err != nil {
		return models.Queue{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) GetStaticEntryPoint(ctx context.Context, token string) (models.StaticEntryPoint, error) {
	var entry models.StaticEntryPoint
	row := s.pool.QueryRow(ctx, `
		SELECT token, path, created_at
		FROM static_entry_points
		WHERE token = $1
	`, token)
	if err := row.Scan(&entry.Token, &entry.Path, &entry.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StaticEntryPoint{}, store.ErrNotFound
		}
		return models.StaticEntryPoint{}, err
	}
	return entry, nil
}

func (s *Store) CreateStaticEntryPoint(ctx context.Context, entry models.StaticEntryPoint) (models.StaticEntryPoint, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO static_entry_points (token, path, created_at)
		VALUES ($1, $2, $3)
	`, entry.Token, entry.Path, entry.CreatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return models.StaticEntryPoint{}, store.ErrInvalidInput
		}
		return models.StaticEntryPoint{}, err
	}
	return entry, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var service models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, name, active, created_at, updated_at
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&service.ServiceID, &service.Name, &service.Active, &service.CreatedAt, &service.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error) {
	query := `
		SELECT service_id, name, active, created_at, updated_at
		FROM services
	`
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY LOWER(name) ASC"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var service models.Service
		if err := rows.Scan(&service.ServiceID, &service.Name, &service.Active, &service.CreatedAt, &service.UpdatedAt); err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

func (s *Store) CreateService(ctx context.Context, input store.CreateServiceInput) (models.Service, error) {
	service := models.Service{
		ServiceID: input.ServiceID,
		Name:      input.Name,
		Active:    input.Active,
		CreatedAt: input.CreatedAt,
		UpdatedAt: input.CreatedAt,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, input.ServiceID, input.Name, input.Active, input.CreatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return models.Service{}, store.ErrInvalidInput
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) UpdateService(ctx context.Context, input store.UpdateServiceInput) (models.Service, error) {
	var service models.Service
	row := s.pool.QueryRow(ctx, `
		UPDATE services
		SET name = COALESCE($2, name),
			active = COALESCE($3, active),
			updated_at = $4
		WHERE service_id = $1
		RETURNING service_id, name, active, created_at, updated_at
	`, input.ServiceID, input.Name, input.Active, input.UpdatedAt)
	if err := row.Scan(&service.ServiceID, &service.Name, &service.Active, &service.CreatedAt, &service.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) GetVisitor(ctx context.Context, visitorID string) (models.Visitor, error) {
	var visitor models.Visitor
	var institutionNull sql.NullString
	var emailNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT visitor_id, name, phone, institution, email, created_at
		FROM visitors
		WHERE visitor_id = $1
	`, visitorID)
	if err := row.Scan(&visitor.VisitorID, &visitor.Name, &visitor.Phone, &institutionNull, &emailNull, &visitor.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visitor{}, store.ErrNotFound
		}
		return models.Visitor{}, err
	}
	visitor.Institution = institutionNull.String
	visitor.Email = emailNull.String
	return visitor, nil
}

func (s *Store) GetAdmin(ctx context.Context, adminID string) (models.Admin, error) {
	var admin models.Admin
	row := s.pool.QueryRow(ctx, `
		SELECT admin_id, name, role
		FROM admins
		WHERE admin_id = $1
	`, adminID)
	if err := row.Scan(&admin.AdminID, &admin.Name, &admin.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Admin{}, store.ErrNotFound
		}
		return models.Admin{}, err
	}
	return admin, nil
}

func (s *Store) AverageServiceSeconds(ctx context.Context, since time.Time) (float64, bool, error) {
	var avgSeconds sql.NullFloat64
	row := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (end_time - start_time)))::float8
		FROM queues
		WHERE status = 'COMPLETED'
			AND start_time IS NOT NULL
			AND end_time IS NOT NULL
			AND end_time >= $1
	`, since)
	if err := row.Scan(&avgSeconds); err != nil {
		return 0, false, err
	}
	if !avgSeconds.Valid {
		return 0, false, nil
	}
	return avgSeconds.Float64, true, nil
}

// txWriter runs the creation primitives inside a ConsumeAndBindQueue
// transaction.
type txWriter struct {
	tx pgx.Tx
}

func (w txWriter) CreateVisitor(ctx context.Context, input store.CreateVisitorInput) (models.Visitor, error) {
	return createVisitor(ctx, w.tx, input)
}

func (w txWriter) CreateWithNextSequence(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	return createQueue(ctx, w.tx, input)
}

func createVisitor(ctx context.Context, q querier, input store.CreateVisitorInput) (models.Visitor, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO visitors (visitor_id, name, phone, institution, email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, input.VisitorID, input.Name, input.Phone, nullIfEmpty(input.Institution), nullIfEmpty(input.Email), input.CreatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return models.Visitor{}, store.ErrInvalidInput
		}
		return models.Visitor{}, err
	}
	return models.Visitor{
		VisitorID:   input.VisitorID,
		Name:        input.Name,
		Phone:       input.Phone,
		Institution: input.Institution,
		Email:       input.Email,
		CreatedAt:   input.CreatedAt,
	}, nil
}

// createQueue must run inside a transaction so the counter increment rolls
// back with a failed insert.
func createQueue(ctx context.Context, q querier, input store.CreateQueueInput) (models.Queue, error) {
	if err := ensureActiveService(ctx, q, input.ServiceID); err != nil {
		return models.Queue{}, err
	}
	if err := ensureVisitorExists(ctx, q, input.VisitorID); err != nil {
		return models.Queue{}, err
	}

	number, err := nextQueueNumber(ctx, q)
	if err != nil {
		return models.Queue{}, err
	}

	row := q.QueryRow(ctx, `
		INSERT INTO queues (queue_id, number, status, visitor_id, service_id, link_token, survey_filled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		RETURNING `+queueColumns,
		input.QueueID, number, models.StatusWaiting, input.VisitorID, input.ServiceID, nullIfEmpty(input.LinkToken), input.CreatedAt)
	queue, err := scanQueue(row)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return models.Queue{}, store.ErrInvalidInput
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func ensureActiveService(ctx context.Context, q querier, serviceID string) error {
	var active bool
	row := q.QueryRow(ctx, `
		SELECT active
		FROM services
		WHERE service_id = $1
		FOR SHARE
	`, serviceID)
	if err := row.Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrInvalidReference
		}
		return err
	}
	if !active {
		return store.ErrServiceInactive
	}
	return nil
}

func ensureVisitorExists(ctx context.Context, q querier, visitorID string) error {
	var exists bool
	row := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM visitors WHERE visitor_id = $1)
	`, visitorID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrInvalidReference
	}
	return nil
}

// nextQueueNumber increments the single global counter row. Concurrent
// callers serialize on that row until their transaction ends.
func nextQueueNumber(ctx context.Context, q querier) (int64, error) {
	var next int64
	row := q.QueryRow(ctx, `
		INSERT INTO queue_counters (counter_id, next_number)
		VALUES (1, 1)
		ON CONFLICT (counter_id)
		DO UPDATE SET next_number = queue_counters.next_number + 1
		RETURNING next_number
	`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func getQueue(ctx context.Context, q querier, queueID string) (models.Queue, error) {
	row := q.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1`, queueID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var queue models.Queue
	var adminIDNull sql.NullString
	var startTimeNull sql.NullTime
	var endTimeNull sql.NullTime
	var linkTokenNull sql.NullString
	if err := row.Scan(&queue.QueueID, &queue.Number, &queue.Status, &queue.VisitorID, &queue.ServiceID, &adminIDNull, &startTimeNull, &endTimeNull, &linkTokenNull, &queue.SurveyFilled, &queue.CreatedAt, &queue.UpdatedAt); err != nil {
		return models.Queue{}, err
	}
	queue.AdminID = nullStringPtr(adminIDNull)
	queue.StartTime = nullTimePtr(startTimeNull)
	queue.EndTime = nullTimePtr(endTimeNull)
	queue.LinkToken = nullStringPtr(linkTokenNull)
	return queue, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
