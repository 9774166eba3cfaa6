package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, counters ...int) *Store {
	t.Helper()
	s := NewStore(store.Options{Session: "test"})
	var list []models.Counter
	for _, id := range counters {
		list = append(list, models.Counter{CounterID: id, Attendant: "Atendente"})
	}
	require.NoError(t, s.RegisterCounters(context.Background(), list))
	return s
}

func TestCreateTicketNumbersAcrossCategories(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	first, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao"})
	require.NoError(t, err)
	second, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "buracos_vias"})
	require.NoError(t, err)

	assert.Equal(t, "C001", first.TicketNumber)
	assert.Equal(t, "B002", second.TicketNumber)
	assert.Equal(t, models.StatusWaiting, first.Status)
	assert.Equal(t, "Secretaria de Administração", first.Department)
	assert.Nil(t, first.CounterID)
}

func TestCreateTicketRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "desconhecida"})
	assert.ErrorIs(t, err, store.ErrUnknownCategory)

	_, err = s.CreateTicket(ctx, store.CreateTicketInput{Category: "outros", Department: "  "})
	assert.ErrorIs(t, err, store.ErrMissingDepartment)

	tickets, err := s.ListTickets(ctx, store.TicketFilter{})
	require.NoError(t, err)
	assert.Empty(t, tickets)

	ticket, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "outros", Department: "Secretaria de Cultura"})
	require.NoError(t, err)
	assert.Equal(t, "O001", ticket.TicketNumber)
	assert.Equal(t, "Secretaria de Cultura", ticket.Department)
}

func TestCallNextOnEmptyQueueKeepsCounterFree(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	_, err := s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	assert.ErrorIs(t, err, store.ErrNoTicket)

	counters, err := s.ListCounters(ctx)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, models.CounterFree, counters[0].Status)
	assert.Nil(t, counters[0].CurrentTicket)
}

func TestCallNextServesInArrivalOrder(t *testing.T) {
	s := newTestStore(t, 1, 2)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao"})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, store.CreateTicketInput{Category: "saude", Priority: true})
	require.NoError(t, err)

	called, err := s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)
	assert.Equal(t, "C001", called.TicketNumber)
	assert.Equal(t, models.StatusInService, called.Status)
	require.NotNil(t, called.CounterID)
	assert.Equal(t, 1, *called.CounterID)
	assert.NotNil(t, called.CalledAt)

	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	assert.ErrorIs(t, err, store.ErrCounterUnavailable)

	called, err = s.CallNext(ctx, store.CallNextInput{CounterID: 2})
	require.NoError(t, err)
	assert.Equal(t, "S002", called.TicketNumber)

	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 9})
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
}

func TestCallNextPriorityFirst(t *testing.T) {
	s := NewStore(store.Options{Session: "test", PriorityFirst: true})
	ctx := context.Background()
	require.NoError(t, s.RegisterCounters(ctx, []models.Counter{{CounterID: 1}}))

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao"})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, store.CreateTicketInput{Category: "tributos", Priority: true})
	require.NoError(t, err)

	called, err := s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)
	assert.Equal(t, "T002", called.TicketNumber)
}

func TestFinishServiceFreesCounter(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "limpeza"})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)

	finished, err := s.FinishService(ctx, store.FinishInput{CounterID: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, finished.Status)
	assert.Nil(t, finished.CounterID)
	assert.NotNil(t, finished.FinishedAt)

	counters, err := s.ListCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CounterFree, counters[0].Status)

	_, err = s.FinishService(ctx, store.FinishInput{CounterID: 1})
	assert.ErrorIs(t, err, store.ErrCounterIdle)
}

func TestCommunicationFinishWaitsForMessage(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "comunicacao"})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)

	pending, err := s.FinishService(ctx, store.FinishInput{CounterID: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingConfirmation, pending.Status)

	counters, err := s.ListCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CounterOccupied, counters[0].Status)

	_, err = s.FinishService(ctx, store.FinishInput{CounterID: 1})
	assert.ErrorIs(t, err, store.ErrConfirmationRequired)

	_, err = s.ConfirmCommunication(ctx, store.ConfirmInput{CounterID: 1, Message: " "})
	assert.ErrorIs(t, err, store.ErrEmptyMessage)

	done, err := s.ConfirmCommunication(ctx, store.ConfirmInput{CounterID: 1, Message: "Resposta enviada ao cidadão"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, done.Status)
	assert.Equal(t, "Resposta enviada ao cidadão", done.Message)

	counters, err = s.ListCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CounterFree, counters[0].Status)
}

func TestConfirmRejectsRegularTicket(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao"})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)

	_, err = s.ConfirmCommunication(ctx, store.ConfirmInput{CounterID: 1, Message: "ok"})
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestRecall(t *testing.T) {
	s := newTestStore(t, 1, 2)
	ctx := context.Background()

	created, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "iluminacao"})
	require.NoError(t, err)

	_, err = s.Recall(ctx, store.RecallInput{TicketNumber: created.TicketNumber})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 2})
	require.NoError(t, err)
	_, err = s.FinishService(ctx, store.FinishInput{CounterID: 2})
	require.NoError(t, err)

	recalled, err := s.Recall(ctx, store.RecallInput{TicketNumber: "i001"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInService, recalled.Status)
	require.NotNil(t, recalled.CounterID)
	assert.Equal(t, 1, *recalled.CounterID)
	assert.Nil(t, recalled.FinishedAt)

	_, err = s.Recall(ctx, store.RecallInput{TicketNumber: "X999"})
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestRecallWithoutFreeCounter(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao"})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao"})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)
	_, err = s.FinishService(ctx, store.FinishInput{CounterID: 1})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1})
	require.NoError(t, err)

	_, err = s.Recall(ctx, store.RecallInput{TicketNumber: "C001"})
	assert.ErrorIs(t, err, store.ErrNoCounter)

	ticket, err := s.GetTicket(ctx, "C001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, ticket.Status)
}

func TestOneTicketInServicePerCounter(t *testing.T) {
	s := newTestStore(t, 1, 2, 3)
	ctx := context.Background()

	for _, category := range []string{"certidao", "saude", "tributos", "limpeza", "buracos_vias"} {
		_, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: category})
		require.NoError(t, err)
	}
	for _, id := range []int{1, 2, 3} {
		_, err := s.CallNext(ctx, store.CallNextInput{CounterID: id})
		require.NoError(t, err)
	}
	_, err := s.FinishService(ctx, store.FinishInput{CounterID: 2})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 2})
	require.NoError(t, err)

	tickets, err := s.ListTickets(ctx, store.TicketFilter{Status: models.StatusInService})
	require.NoError(t, err)
	require.Len(t, tickets, 3)
	seen := map[int]bool{}
	for _, ticket := range tickets {
		require.NotNil(t, ticket.CounterID)
		assert.False(t, seen[*ticket.CounterID])
		seen[*ticket.CounterID] = true
	}

	waiting, err := s.ListTickets(ctx, store.TicketFilter{Status: models.StatusWaiting})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "B005", waiting[0].TicketNumber)
}

func TestEventsChainPerTicket(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	created, err := s.CreateTicket(ctx, store.CreateTicketInput{Category: "certidao", CreatedAt: at})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, store.CreateTicketInput{Category: "saude", CreatedAt: at})
	require.NoError(t, err)
	_, err = s.CallNext(ctx, store.CallNextInput{CounterID: 1, CalledAt: at.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.FinishService(ctx, store.FinishInput{CounterID: 1, OccurredAt: at.Add(5 * time.Minute)})
	require.NoError(t, err)

	all, err := s.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, event := range all {
		assert.Equal(t, int64(i+1), event.Seq)
	}

	page, err := s.ListEvents(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, store.EventTicketCalled, page[0].Type)

	history, err := s.ListTicketEvents(ctx, created.TicketID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	ticket, err := store.RehydrateTicket(history)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, ticket.Status)
	assert.Equal(t, "C001", ticket.TicketNumber)
}
