// Package sqlite is the embedded QueueStore backend. The database handle is
// limited to one connection, so every operation runs as the only writer.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	ticketColumns  = "ticket_id, session, seq, ticket_number, category, category_label, color, department, priority, status, counter_id, message, created_at, called_at, finished_at"
	counterColumns = "counter_id, attendant, status, current_ticket"
	eventColumns   = "seq, event_id, ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash"

	defaultEventLimit = 100
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db            *sql.DB
	session       string
	catalog       *catalog.Catalog
	priorityFirst bool
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string, options store.Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	cat := options.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Store{
		db:            db,
		session:       options.Session,
		catalog:       cat,
		priorityFirst: options.PriorityFirst,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RegisterCounters(ctx context.Context, counters []models.Counter) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i, counter := range counters {
			if counter.CounterID <= 0 {
				return fmt.Errorf("sqlite: register counter: invalid id %d", counter.CounterID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO counters (session, counter_id, attendant, position, status)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(session, counter_id) DO UPDATE SET
					attendant=excluded.attendant, position=excluded.position
			`, s.session, counter.CounterID, counter.Attendant, i+1, models.CounterFree); err != nil {
				return fmt.Errorf("sqlite: register counter %d: %w", counter.CounterID, err)
			}
		}
		return nil
	})
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	if _, err := store.ResolveCategory(s.catalog, input); err != nil {
		return models.Ticket{}, err
	}

	var ticket models.Ticket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE session = ?`, s.session).Scan(&count); err != nil {
			return fmt.Errorf("sqlite: count tickets: %w", err)
		}

		input.CreatedAt = now(input.CreatedAt)
		created, err := store.NewTicket(s.catalog, s.session, count+1, input)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (`+ticketColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, created.TicketID, created.Session, created.Seq, created.TicketNumber, created.Category, created.CategoryLabel,
			created.Color, created.Department, created.Priority, created.Status, created.CounterID, created.Message,
			formatTime(created.CreatedAt), formatTimePtr(created.CalledAt), formatTimePtr(created.FinishedAt)); err != nil {
			return fmt.Errorf("sqlite: insert ticket: %w", err)
		}
		if err := s.appendEvent(ctx, tx, created, store.EventTicketCreated, created.CreatedAt); err != nil {
			return err
		}
		ticket = created
		return nil
	})
	return ticket, err
}

func (s *Store) GetTicket(ctx context.Context, ticketNumber string) (models.Ticket, error) {
	return s.ticketByNumber(ctx, s.db, ticketNumber)
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	builder := sq.Select(ticketColumns).
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tickets: %w", err)
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
	return tickets, rows.Err()
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		counter, err := s.counter(ctx, tx, input.CounterID)
		if err != nil {
			return err
		}
		if counter.Status != models.CounterFree {
			return store.ErrCounterUnavailable
		}

		order := "seq ASC"
		if s.priorityFirst {
			order = "priority DESC, seq ASC"
		}
		next, err := scanTicket(tx.QueryRowContext(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE session = ? AND status = ?
			ORDER BY `+order+`
			LIMIT 1
		`, s.session, models.StatusWaiting))
		if errors.Is(err, store.ErrTicketNotFound) {
			return store.ErrNoTicket
		}
		if err != nil {
			return err
		}

		at := now(input.CalledAt)
		if err := store.CallTicket(&next, &counter, at); err != nil {
			return err
		}
		if err := s.save(ctx, tx, next, counter); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, next, store.EventTicketCalled, at); err != nil {
			return err
		}
		ticket = next
		return nil
	})
	return ticket, err
}

func (s *Store) FinishService(ctx context.Context, input store.FinishInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		counter, serving, err := s.serving(ctx, tx, input.CounterID)
		if err != nil {
			return err
		}
		category, _ := s.catalog.Lookup(serving.Category)

		at := now(input.OccurredAt)
		eventType, err := store.FinishTicket(&serving, &counter, category, at)
		if err != nil {
			return err
		}
		if err := s.save(ctx, tx, serving, counter); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, serving, eventType, at); err != nil {
			return err
		}
		ticket = serving
		return nil
	})
	return ticket, err
}

func (s *Store) ConfirmCommunication(ctx context.Context, input store.ConfirmInput) (models.Ticket, error) {
	if strings.TrimSpace(input.Message) == "" {
		return models.Ticket{}, store.ErrEmptyMessage
	}

	var ticket models.Ticket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		counter, serving, err := s.serving(ctx, tx, input.CounterID)
		if err != nil {
			return err
		}

		at := now(input.OccurredAt)
		if err := store.ConfirmTicket(&serving, &counter, input.Message, at); err != nil {
			return err
		}
		if err := s.save(ctx, tx, serving, counter); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, serving, store.EventTicketFinished, at); err != nil {
			return err
		}
		ticket = serving
		return nil
	})
	return ticket, err
}

func (s *Store) Recall(ctx context.Context, input store.RecallInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		recalled, err := s.ticketByNumber(ctx, tx, input.TicketNumber)
		if err != nil {
			return err
		}
		counters, err := s.listCounters(ctx, tx)
		if err != nil {
			return err
		}

		at := now(input.OccurredAt)
		idx, err := store.RecallTicket(&recalled, counters, at)
		if err != nil {
			return err
		}
		if err := s.save(ctx, tx, recalled, counters[idx]); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, recalled, store.EventTicketRecalled, at); err != nil {
			return err
		}
		ticket = recalled
		return nil
	})
	return ticket, err
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return s.listCounters(ctx, s.db)
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM ticket_events
		WHERE session = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, s.session, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	return collectEvents(rows)
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ticket events: %w", err)
	}
	return collectEvents(rows)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) ticketByNumber(ctx context.Context, q queryer, number string) (models.Ticket, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE session = ? AND ticket_number = ?
	`, s.session, strings.ToUpper(strings.TrimSpace(number)))
	return scanTicket(row)
}

func (s *Store) counter(ctx context.Context, q queryer, counterID int) (models.Counter, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE session = ? AND counter_id = ?
	`, s.session, counterID)
	counter, err := scanCounter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, err
}

func (s *Store) serving(ctx context.Context, q queryer, counterID int) (models.Counter, models.Ticket, error) {
	counter, err := s.counter(ctx, q, counterID)
	if err != nil {
		return models.Counter{}, models.Ticket{}, err
	}
	if counter.Status != models.CounterOccupied || counter.CurrentTicket == nil {
		return models.Counter{}, models.Ticket{}, store.ErrCounterIdle
	}
	ticket, err := s.ticketByNumber(ctx, q, *counter.CurrentTicket)
	if err != nil {
		return models.Counter{}, models.Ticket{}, err
	}
	return counter, ticket, nil
}

func (s *Store) listCounters(ctx context.Context, q queryer) ([]models.Counter, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE session = ?
		ORDER BY position ASC
	`, s.session)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list counters: %w", err)
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
	return counters, rows.Err()
}

func (s *Store) save(ctx context.Context, tx *sql.Tx, ticket models.Ticket, counter models.Counter) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, counter_id = ?, message = ?, called_at = ?, finished_at = ?
		WHERE ticket_id = ?
	`, ticket.Status, ticket.CounterID, ticket.Message, formatTimePtr(ticket.CalledAt), formatTimePtr(ticket.FinishedAt), ticket.TicketID); err != nil {
		return fmt.Errorf("sqlite: update ticket: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE counters
		SET status = ?, current_ticket = ?
		WHERE session = ? AND counter_id = ?
	`, counter.Status, counter.CurrentTicket, s.session, counter.CounterID); err != nil {
		return fmt.Errorf("sqlite: update counter: %w", err)
	}
	return nil
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, ticket models.Ticket, eventType string, at time.Time) error {
	var lastSeq int
	var prevHash string
	err := tx.QueryRowContext(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: last ticket event: %w", err)
	}

	event, err := store.NewTicketEvent(ticket, eventType, lastSeq, prevHash, at)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ticket_events (event_id, session, ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.EventID, s.session, event.TicketID, event.TicketSeq, event.Type, string(event.Payload),
		formatTime(event.CreatedAt), event.PrevHash, event.Hash); err != nil {
		return fmt.Errorf("sqlite: insert ticket event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (models.Ticket, error) {
	var ticket models.Ticket
	var counterID sql.NullInt64
	var createdAt string
	var calledAt, finishedAt sql.NullString
	err := row.Scan(&ticket.TicketID, &ticket.Session, &ticket.Seq, &ticket.TicketNumber, &ticket.Category,
		&ticket.CategoryLabel, &ticket.Color, &ticket.Department, &ticket.Priority, &ticket.Status,
		&counterID, &ticket.Message, &createdAt, &calledAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, fmt.Errorf("sqlite: scan ticket: %w", err)
	}
	if counterID.Valid {
		id := int(counterID.Int64)
		ticket.CounterID = &id
	}
	if ticket.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.CalledAt, err = parseTimePtr(calledAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func scanCounter(row scanner) (models.Counter, error) {
	var counter models.Counter
	var current sql.NullString
	if err := row.Scan(&counter.CounterID, &counter.Attendant, &counter.Status, &current); err != nil {
		return models.Counter{}, err
	}
	if current.Valid {
		counter.CurrentTicket = &current.String
	}
	return counter, nil
}

func collectEvents(rows *sql.Rows) ([]store.Event, error) {
	defer rows.Close()

	events := []store.Event{}
	for rows.Next() {
		var event store.Event
		var payload, createdAt string
		if err := rows.Scan(&event.Seq, &event.EventID, &event.TicketID, &event.TicketSeq, &event.Type,
			&payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		at, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		event.CreatedAt = at
		events = append(events, event)
	}
	return events, rows.Err()
}

// now truncates to microseconds so tickets read back equal to what was written.
func now(at time.Time) time.Time {
	return store.Now(at).UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
