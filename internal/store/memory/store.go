// Package memory keeps the queue of a single reception session in process
// memory. Every operation holds the store lock, so operations never interleave.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"
)

const defaultEventLimit = 100

type Store struct {
	mu            sync.Mutex
	session       string
	catalog       *catalog.Catalog
	priorityFirst bool

	tickets   []models.Ticket
	byNumber  map[string]int
	counters  []models.Counter
	events    []store.Event
	lastEvent map[string]store.Event
}

func NewStore(options store.Options) *Store {
	cat := options.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Store{
		session:       options.Session,
		catalog:       cat,
		priorityFirst: options.PriorityFirst,
		byNumber:      make(map[string]int),
		lastEvent:     make(map[string]store.Event),
	}
}

func (s *Store) RegisterCounters(ctx context.Context, counters []models.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, counter := range counters {
		if counter.CounterID <= 0 {
			return fmt.Errorf("memory: register counter: invalid id %d", counter.CounterID)
		}
		if idx, ok := s.counterIndex(counter.CounterID); ok {
			s.counters[idx].Attendant = counter.Attendant
			continue
		}
		s.counters = append(s.counters, models.Counter{
			CounterID: counter.CounterID,
			Attendant: counter.Attendant,
			Status:    models.CounterFree,
		})
	}
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := store.NewTicket(s.catalog, s.session, len(s.tickets)+1, input)
	if err != nil {
		return models.Ticket{}, err
	}
	event, err := s.nextEvent(ticket, store.EventTicketCreated, ticket.CreatedAt)
	if err != nil {
		return models.Ticket{}, err
	}

	s.tickets = append(s.tickets, ticket)
	s.byNumber[ticket.TicketNumber] = len(s.tickets) - 1
	s.appendEvent(event)
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketNumber string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byNumber[strings.ToUpper(strings.TrimSpace(ticketNumber))]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return s.tickets[idx], nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tickets := make([]models.Ticket, 0, len(s.tickets))
	for _, ticket := range s.tickets {
		if filter.Status != "" && ticket.Status != filter.Status {
			continue
		}
		if filter.Category != "" && ticket.Category != filter.Category {
			continue
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counterIdx, ok := s.counterIndex(input.CounterID)
	if !ok {
		return models.Ticket{}, store.ErrCounterNotFound
	}
	counter := s.counters[counterIdx]
	if counter.Status != models.CounterFree {
		return models.Ticket{}, store.ErrCounterUnavailable
	}

	ticketIdx, ok := store.NextWaiting(s.tickets, s.priorityFirst)
	if !ok {
		return models.Ticket{}, store.ErrNoTicket
	}
	ticket := s.tickets[ticketIdx]
	at := store.Now(input.CalledAt)
	if err := store.CallTicket(&ticket, &counter, at); err != nil {
		return models.Ticket{}, err
	}
	event, err := s.nextEvent(ticket, store.EventTicketCalled, at)
	if err != nil {
		return models.Ticket{}, err
	}

	s.tickets[ticketIdx] = ticket
	s.counters[counterIdx] = counter
	s.appendEvent(event)
	return ticket, nil
}

func (s *Store) FinishService(ctx context.Context, input store.FinishInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counterIdx, ticketIdx, err := s.servingAt(input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}
	counter := s.counters[counterIdx]
	ticket := s.tickets[ticketIdx]
	category, _ := s.catalog.Lookup(ticket.Category)

	at := store.Now(input.OccurredAt)
	eventType, err := store.FinishTicket(&ticket, &counter, category, at)
	if err != nil {
		return models.Ticket{}, err
	}
	event, err := s.nextEvent(ticket, eventType, at)
	if err != nil {
		return models.Ticket{}, err
	}

	s.tickets[ticketIdx] = ticket
	s.counters[counterIdx] = counter
	s.appendEvent(event)
	return ticket, nil
}

func (s *Store) ConfirmCommunication(ctx context.Context, input store.ConfirmInput) (models.Ticket, error) {
	if strings.TrimSpace(input.Message) == "" {
		return models.Ticket{}, store.ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counterIdx, ticketIdx, err := s.servingAt(input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}
	counter := s.counters[counterIdx]
	ticket := s.tickets[ticketIdx]

	at := store.Now(input.OccurredAt)
	if err := store.ConfirmTicket(&ticket, &counter, input.Message, at); err != nil {
		return models.Ticket{}, err
	}
	event, err := s.nextEvent(ticket, store.EventTicketFinished, at)
	if err != nil {
		return models.Ticket{}, err
	}

	s.tickets[ticketIdx] = ticket
	s.counters[counterIdx] = counter
	s.appendEvent(event)
	return ticket, nil
}

func (s *Store) Recall(ctx context.Context, input store.RecallInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticketIdx, ok := s.byNumber[strings.ToUpper(strings.TrimSpace(input.TicketNumber))]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	ticket := s.tickets[ticketIdx]
	counters := append([]models.Counter(nil), s.counters...)

	at := store.Now(input.OccurredAt)
	if _, err := store.RecallTicket(&ticket, counters, at); err != nil {
		return models.Ticket{}, err
	}
	event, err := s.nextEvent(ticket, store.EventTicketRecalled, at)
	if err != nil {
		return models.Ticket{}, err
	}

	s.tickets[ticketIdx] = ticket
	s.counters = counters
	s.appendEvent(event)
	return ticket, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Counter(nil), s.counters...), nil
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.Event
	for _, event := range s.events {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.Event
	for _, event := range s.events {
		if event.TicketID == ticketID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (s *Store) counterIndex(counterID int) (int, bool) {
	for i := range s.counters {
		if s.counters[i].CounterID == counterID {
			return i, true
		}
	}
	return -1, false
}

// servingAt resolves the occupied counter and the ticket it is serving.
func (s *Store) servingAt(counterID int) (int, int, error) {
	counterIdx, ok := s.counterIndex(counterID)
	if !ok {
		return -1, -1, store.ErrCounterNotFound
	}
	current := s.counters[counterIdx].CurrentTicket
	if s.counters[counterIdx].Status != models.CounterOccupied || current == nil {
		return -1, -1, store.ErrCounterIdle
	}
	ticketIdx, ok := s.byNumber[*current]
	if !ok {
		return -1, -1, store.ErrTicketNotFound
	}
	return counterIdx, ticketIdx, nil
}

func (s *Store) nextEvent(ticket models.Ticket, eventType string, at time.Time) (store.Event, error) {
	last := s.lastEvent[ticket.TicketID]
	event, err := store.NewTicketEvent(ticket, eventType, last.TicketSeq, last.Hash, at)
	if err != nil {
		return store.Event{}, fmt.Errorf("memory: event: %w", err)
	}
	return event, nil
}

func (s *Store) appendEvent(event store.Event) {
	event.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	s.lastEvent[event.TicketID] = event
}
