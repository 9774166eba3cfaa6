package store

import (
	"context"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/models"
)

type CreateTicketInput struct {
	Category   string
	Priority   bool
	Department string
	CreatedAt  time.Time
}

type CallNextInput struct {
	CounterID int
	CalledAt  time.Time
}

type FinishInput struct {
	CounterID  int
	OccurredAt time.Time
}

type ConfirmInput struct {
	CounterID  int
	Message    string
	OccurredAt time.Time
}

type RecallInput struct {
	TicketNumber string
	OccurredAt   time.Time
}

type TicketFilter struct {
	Status   string
	Category string
}

// Options are shared by every QueueStore backend.
type Options struct {
	// Session scopes tickets, counters and numbering. Numbers restart in a new session.
	Session string
	Catalog *catalog.Catalog
	// PriorityFirst makes CallNext serve priority tickets before regular ones.
	PriorityFirst bool
}

type QueueStore interface {
	RegisterCounters(ctx context.Context, counters []models.Counter) error
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketNumber string) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	FinishService(ctx context.Context, input FinishInput) (models.Ticket, error)
	ConfirmCommunication(ctx context.Context, input ConfirmInput) (models.Ticket, error)
	Recall(ctx context.Context, input RecallInput) (models.Ticket, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]Event, error)
}
