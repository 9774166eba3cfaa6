package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ticketColumns  = "ticket_id, session, seq, ticket_number, category, category_label, color, department, priority, status, counter_id, message, created_at, called_at, finished_at"
	counterColumns = "counter_id, attendant, status, current_ticket"
	eventColumns   = "seq, event_id, ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash"

	defaultEventLimit = 100
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	pool          *pgxpool.Pool
	session       string
	catalog       *catalog.Catalog
	priorityFirst bool
}

func NewStore(pool *pgxpool.Pool, options store.Options) *Store {
	cat := options.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Store{
		pool:          pool,
		session:       options.Session,
		catalog:       cat,
		priorityFirst: options.PriorityFirst,
	}
}

func (s *Store) RegisterCounters(ctx context.Context, counters []models.Counter) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, counter := range counters {
		if counter.CounterID <= 0 {
			return fmt.Errorf("postgres: register counter: invalid id %d", counter.CounterID)
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO counters (session, counter_id, attendant, position, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session, counter_id)
			DO UPDATE SET attendant = EXCLUDED.attendant, position = EXCLUDED.position
		`, s.session, counter.CounterID, counter.Attendant, i+1, models.CounterFree); err != nil {
			return fmt.Errorf("postgres: register counter %d: %w", counter.CounterID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (ticket models.Ticket, err error) {
	if _, err = store.ResolveCategory(s.catalog, input); err != nil {
		return models.Ticket{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = s.lockSession(ctx, tx); err != nil {
		return models.Ticket{}, err
	}

	var count int
	if err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE session = $1`, s.session).Scan(&count); err != nil {
		return models.Ticket{}, fmt.Errorf("postgres: count tickets: %w", err)
	}

	input.CreatedAt = now(input.CreatedAt)
	ticket, err = store.NewTicket(s.catalog, s.session, count+1, input)
	if err != nil {
		return models.Ticket{}, err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, ticket.TicketID, ticket.Session, ticket.Seq, ticket.TicketNumber, ticket.Category, ticket.CategoryLabel,
		ticket.Color, ticket.Department, ticket.Priority, ticket.Status, ticket.CounterID, ticket.Message,
		ticket.CreatedAt, ticket.CalledAt, ticket.FinishedAt); err != nil {
		return models.Ticket{}, fmt.Errorf("postgres: insert ticket: %w", err)
	}

	if err = s.appendEvent(ctx, tx, ticket, store.EventTicketCreated, ticket.CreatedAt); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketNumber string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE session = $1 AND ticket_number = $2
	`, s.session, normalizeNumber(ticketNumber))
	return scanTicket(row)
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	builder := psql.Select(ticketColumns).
		From("tickets").
		Where(sq.Eq{"session": s.session}).
		OrderBy("seq ASC")
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Category != "" {
		builder = builder.Where(sq.Eq{"category": filter.Category})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = s.lockSession(ctx, tx); err != nil {
		return models.Ticket{}, err
	}
	counter, err := s.lockCounter(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if counter.Status != models.CounterFree {
		return models.Ticket{}, store.ErrCounterUnavailable
	}

	order := "seq ASC"
	if s.priorityFirst {
		order = "priority DESC, seq ASC"
	}
	ticket, err = scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE session = $1 AND status = $2
		ORDER BY `+order+`
		LIMIT 1
		FOR UPDATE
	`, s.session, models.StatusWaiting))
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return models.Ticket{}, store.ErrNoTicket
		}
		return models.Ticket{}, err
	}

	at := now(input.CalledAt)
	if err = store.CallTicket(&ticket, &counter, at); err != nil {
		return models.Ticket{}, err
	}
	if err = s.save(ctx, tx, ticket, counter); err != nil {
		return models.Ticket{}, err
	}
	if err = s.appendEvent(ctx, tx, ticket, store.EventTicketCalled, at); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) FinishService(ctx context.Context, input store.FinishInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = s.lockSession(ctx, tx); err != nil {
		return models.Ticket{}, err
	}
	counter, ticket, err := s.lockServing(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}
	category, _ := s.catalog.Lookup(ticket.Category)

	at := now(input.OccurredAt)
	eventType, err := store.FinishTicket(&ticket, &counter, category, at)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = s.save(ctx, tx, ticket, counter); err != nil {
		return models.Ticket{}, err
	}
	if err = s.appendEvent(ctx, tx, ticket, eventType, at); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ConfirmCommunication(ctx context.Context, input store.ConfirmInput) (ticket models.Ticket, err error) {
	if strings.TrimSpace(input.Message) == "" {
		return models.Ticket{}, store.ErrEmptyMessage
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = s.lockSession(ctx, tx); err != nil {
		return models.Ticket{}, err
	}
	counter, ticket, err := s.lockServing(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}

	at := now(input.OccurredAt)
	if err = store.ConfirmTicket(&ticket, &counter, input.Message, at); err != nil {
		return models.Ticket{}, err
	}
	if err = s.save(ctx, tx, ticket, counter); err != nil {
		return models.Ticket{}, err
	}
	if err = s.appendEvent(ctx, tx, ticket, store.EventTicketFinished, at); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) Recall(ctx context.Context, input store.RecallInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = s.lockSession(ctx, tx); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE session = $1 AND ticket_number = $2
		FOR UPDATE
	`, s.session, normalizeNumber(input.TicketNumber)))
	if err != nil {
		return models.Ticket{}, err
	}

	counters, err := s.listCounters(ctx, tx, "FOR UPDATE")
	if err != nil {
		return models.Ticket{}, err
	}

	at := now(input.OccurredAt)
	idx, err := store.RecallTicket(&ticket, counters, at)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = s.save(ctx, tx, ticket, counters[idx]); err != nil {
		return models.Ticket{}, err
	}
	if err = s.appendEvent(ctx, tx, ticket, store.EventTicketRecalled, at); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return s.listCounters(ctx, s.pool, "")
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM ticket_events
		WHERE session = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, s.session, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return collectEvents(rows)
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticket events: %w", err)
	}
	return collectEvents(rows)
}

// lockSession serialises writers of one session so numbering stays gapless
// and event seq values commit in order.
func (s *Store) lockSession(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "queue:"+s.session); err != nil {
		return fmt.Errorf("postgres: lock session: %w", err)
	}
	return nil
}

func (s *Store) lockCounter(ctx context.Context, tx pgx.Tx, counterID int) (models.Counter, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE session = $1 AND counter_id = $2
		FOR UPDATE
	`, s.session, counterID)
	counter, err := scanCounter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, err
}

func (s *Store) lockServing(ctx context.Context, tx pgx.Tx, counterID int) (models.Counter, models.Ticket, error) {
	counter, err := s.lockCounter(ctx, tx, counterID)
	if err != nil {
		return models.Counter{}, models.Ticket{}, err
	}
	if counter.Status != models.CounterOccupied || counter.CurrentTicket == nil {
		return models.Counter{}, models.Ticket{}, store.ErrCounterIdle
	}
	ticket, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE session = $1 AND ticket_number = $2
		FOR UPDATE
	`, s.session, *counter.CurrentTicket))
	if err != nil {
		return models.Counter{}, models.Ticket{}, err
	}
	return counter, ticket, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) listCounters(ctx context.Context, q querier, lock string) ([]models.Counter, error) {
	rows, err := q.Query(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE session = $1
		ORDER BY position ASC
		`+lock, s.session)
	if err != nil {
		return nil, fmt.Errorf("postgres: list counters: %w", err)
	}
	defer rows.Close()

	counters := []models.Counter{}
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) save(ctx context.Context, tx pgx.Tx, ticket models.Ticket, counter models.Counter) error {
	if _, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1, counter_id = $2, message = $3, called_at = $4, finished_at = $5
		WHERE ticket_id = $6
	`, ticket.Status, ticket.CounterID, ticket.Message, ticket.CalledAt, ticket.FinishedAt, ticket.TicketID); err != nil {
		return fmt.Errorf("postgres: update ticket: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = $1, current_ticket = $2
		WHERE session = $3 AND counter_id = $4
	`, counter.Status, counter.CurrentTicket, s.session, counter.CounterID); err != nil {
		return fmt.Errorf("postgres: update counter: %w", err)
	}
	return nil
}

func (s *Store) appendEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, at time.Time) error {
	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: last ticket event: %w", err)
	}

	event, err := store.NewTicketEvent(ticket, eventType, lastSeq, prevHash.String, at)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (event_id, session, ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.EventID, s.session, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash); err != nil {
		return fmt.Errorf("postgres: insert ticket event: %w", err)
	}
	return nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var counterID sql.NullInt32
	var calledAt, finishedAt sql.NullTime
	err := row.Scan(&ticket.TicketID, &ticket.Session, &ticket.Seq, &ticket.TicketNumber, &ticket.Category,
		&ticket.CategoryLabel, &ticket.Color, &ticket.Department, &ticket.Priority, &ticket.Status,
		&counterID, &ticket.Message, &ticket.CreatedAt, &calledAt, &finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, fmt.Errorf("postgres: scan ticket: %w", err)
	}
	if counterID.Valid {
		id := int(counterID.Int32)
		ticket.CounterID = &id
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.FinishedAt = nullTimePtr(finishedAt)
	return ticket, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var current sql.NullString
	if err := row.Scan(&counter.CounterID, &counter.Attendant, &counter.Status, &current); err != nil {
		return models.Counter{}, err
	}
	counter.CurrentTicket = nullStringPtr(current)
	return counter, nil
}

func collectEvents(rows pgx.Rows) ([]store.Event, error) {
	defer rows.Close()

	events := []store.Event{}
	for rows.Next() {
		var event store.Event
		var payload []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.TicketID, &event.TicketSeq, &event.Type,
			&payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func normalizeNumber(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

// now matches the microsecond precision of timestamptz.
func now(at time.Time) time.Time {
	return store.Now(at).UTC().Truncate(time.Microsecond)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
