package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateTicketNumbering(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx, 1)
	t.Cleanup(cleanup)

	first := createTicket(t, ctx, st, "certidao")
	second := createTicket(t, ctx, st, "buracos_vias")

	if first.TicketNumber != "C001" || second.TicketNumber != "B002" {
		t.Fatalf("expected C001 and B002, got %s and %s", first.TicketNumber, second.TicketNumber)
	}

	other := NewStore(st.pool, store.Options{Session: uuid.NewString()})
	fresh, err := other.CreateTicket(ctx, store.CreateTicketInput{Category: "saude"})
	if err != nil {
		t.Fatalf("create ticket in new session: %v", err)
	}
	if fresh.TicketNumber != "S001" {
		t.Fatalf("expected numbering to restart per session, got %s", fresh.TicketNumber)
	}
}

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx, 1, 2)
	t.Cleanup(cleanup)

	createTicket(t, ctx, st, "certidao")
	createTicket(t, ctx, st, "tributos")

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for _, counterID := range []int{1, 2} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ticket, err := st.CallNext(ctx, store.CallNextInput{CounterID: id})
			results <- callResult{ticketID: ticket.TicketID, err: err}
		}(counterID)
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		ids = append(ids, result.ticketID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected distinct tickets, got %s", ids[0])
	}

	if _, err := st.CallNext(ctx, store.CallNextInput{CounterID: 1}); !errors.Is(err, store.ErrCounterUnavailable) {
		t.Fatalf("expected counter unavailable, got %v", err)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx, 1)
	t.Cleanup(cleanup)

	if _, err := st.CallNext(ctx, store.CallNextInput{CounterID: 1}); !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected no ticket, got %v", err)
	}
	counters, err := st.ListCounters(ctx)
	if err != nil {
		t.Fatalf("list counters: %v", err)
	}
	if counters[0].Status != models.CounterFree {
		t.Fatalf("expected counter to stay free, got %s", counters[0].Status)
	}
}

func TestCommunicationLifecycleAndHistory(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx, 1, 2)
	t.Cleanup(cleanup)

	created := createTicket(t, ctx, st, "comunicacao")
	if _, err := st.CallNext(ctx, store.CallNextInput{CounterID: 2}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	pending, err := st.FinishService(ctx, store.FinishInput{CounterID: 2})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if pending.Status != models.StatusPendingConfirmation {
		t.Fatalf("expected pending confirmation, got %s", pending.Status)
	}
	if _, err := st.FinishService(ctx, store.FinishInput{CounterID: 2}); !errors.Is(err, store.ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}

	done, err := st.ConfirmCommunication(ctx, store.ConfirmInput{CounterID: 2, Message: "Resposta registrada"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if done.Status != models.StatusFinished || done.CounterID != nil {
		t.Fatalf("expected finished ticket without counter, got %+v", done)
	}

	recalled, err := st.Recall(ctx, store.RecallInput{TicketNumber: created.TicketNumber})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.CounterID == nil || *recalled.CounterID != 1 {
		t.Fatalf("expected recall onto counter 1, got %v", recalled.CounterID)
	}

	history, err := st.ListTicketEvents(ctx, created.TicketID)
	if err != nil {
		t.Fatalf("list ticket events: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 events, got %d", len(history))
	}
	ticket, err := store.RehydrateTicket(history)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if ticket.Status != models.StatusInService {
		t.Fatalf("expected rehydrated in_service, got %s", ticket.Status)
	}

	events, err := st.ListEvents(ctx, history[1].Seq, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after seq %d, got %d", history[1].Seq, len(events))
	}
}

type callResult struct {
	ticketID string
	err      error
}

func setupTestStore(t *testing.T, ctx context.Context, counterIDs ...int) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if _, err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, store.Options{Session: uuid.NewString()})
	var counters []models.Counter
	for _, id := range counterIDs {
		counters = append(counters, models.Counter{CounterID: id, Attendant: "Atendente"})
	}
	if err := st.RegisterCounters(ctx, counters); err != nil {
		pool.Close()
		t.Fatalf("register counters: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func createTicket(t *testing.T, ctx context.Context, st *Store, category string) models.Ticket {
	t.Helper()
	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{Category: category})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func TestRelayLeaseSingleLeaderPerSession(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	first := NewRelayLease(pool, st.session)
	second := NewRelayLease(pool, st.session)
	t.Cleanup(func() {
		first.Release(context.Background())
		second.Release(context.Background())
	})

	if ok, err := first.Lead(ctx); err != nil || !ok {
		t.Fatalf("expected first lease to lead, got %v %v", ok, err)
	}
	if ok, err := second.Lead(ctx); err != nil || ok {
		t.Fatalf("expected second lease to follow, got %v %v", ok, err)
	}
	if ok, err := first.Lead(ctx); err != nil || !ok {
		t.Fatalf("expected leader to keep the lease, got %v %v", ok, err)
	}

	other := NewRelayLease(pool, uuid.NewString())
	t.Cleanup(func() { other.Release(context.Background()) })
	if ok, err := other.Lead(ctx); err != nil || !ok {
		t.Fatalf("expected another session to have its own leader, got %v %v", ok, err)
	}

	first.Release(ctx)
	if ok, err := second.Lead(ctx); err != nil || !ok {
		t.Fatalf("expected second lease to take over, got %v %v", ok, err)
	}
}
