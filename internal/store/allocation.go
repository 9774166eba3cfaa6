package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"github.com/google/uuid"
)

const ticketNumberPad = 3

func FormatTicketNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s%0*d", prefix, ticketNumberPad, seq)
}

// NewTicket builds a waiting ticket. seq is the 1-based position of the
// ticket among all tickets of the session, regardless of category.
func NewTicket(cat *catalog.Catalog, session string, seq int, input CreateTicketInput) (models.Ticket, error) {
	category, err := ResolveCategory(cat, input)
	if err != nil {
		return models.Ticket{}, err
	}
	department := category.Department
	if category.RequiresDepartment {
		department = strings.TrimSpace(input.Department)
	}
	return models.Ticket{
		TicketID:      uuid.NewString(),
		TicketNumber:  FormatTicketNumber(category.Prefix, seq),
		Seq:           seq,
		Session:       session,
		Category:      category.Key,
		CategoryLabel: category.Label,
		Color:         category.Color,
		Department:    department,
		Priority:      input.Priority,
		Status:        models.StatusWaiting,
		CreatedAt:     Now(input.CreatedAt),
	}, nil
}

// ResolveCategory validates the category and, when the category has no fixed
// owner, the department override. Backends call it before reserving a number.
func ResolveCategory(cat *catalog.Catalog, input CreateTicketInput) (models.Category, error) {
	category, ok := cat.Lookup(strings.TrimSpace(input.Category))
	if !ok {
		return models.Category{}, ErrUnknownCategory
	}
	if category.RequiresDepartment && strings.TrimSpace(input.Department) == "" {
		return models.Category{}, ErrMissingDepartment
	}
	return category, nil
}

// NextWaiting returns the index of the ticket CallNext should serve. Tickets
// must be in insertion order.
func NextWaiting(tickets []models.Ticket, priorityFirst bool) (int, bool) {
	first := -1
	for i := range tickets {
		if tickets[i].Status != models.StatusWaiting {
			continue
		}
		if !priorityFirst || tickets[i].Priority {
			return i, true
		}
		if first < 0 {
			first = i
		}
	}
	return first, first >= 0
}

// FirstFreeCounter returns the index of the first free counter in registration order.
func FirstFreeCounter(counters []models.Counter) (int, bool) {
	for i := range counters {
		if counters[i].Status == models.CounterFree {
			return i, true
		}
	}
	return -1, false
}

func AssignTicket(ticket *models.Ticket, counter *models.Counter, at time.Time) {
	counterID := counter.CounterID
	calledAt := at
	number := ticket.TicketNumber
	ticket.Status = models.StatusInService
	ticket.CounterID = &counterID
	ticket.CalledAt = &calledAt
	ticket.FinishedAt = nil
	counter.Status = models.CounterOccupied
	counter.CurrentTicket = &number
}

func ReleaseCounter(counter *models.Counter) {
	counter.Status = models.CounterFree
	counter.CurrentTicket = nil
}

// CallTicket applies CallNext to an already selected waiting ticket.
func CallTicket(ticket *models.Ticket, counter *models.Counter, at time.Time) error {
	if counter.Status != models.CounterFree {
		return ErrCounterUnavailable
	}
	if !ValidTransition(ActionCallNext, ticket.Status) {
		return ErrInvalidState
	}
	AssignTicket(ticket, counter, at)
	return nil
}

// FinishTicket ends service at the counter. Categories that require a closing
// message stop at pending confirmation and keep the counter occupied. It
// returns the event type to record.
func FinishTicket(ticket *models.Ticket, counter *models.Counter, category models.Category, at time.Time) (string, error) {
	if counter.Status != models.CounterOccupied {
		return "", ErrCounterIdle
	}
	if ticket.Status == models.StatusPendingConfirmation {
		return "", ErrConfirmationRequired
	}
	if !ValidTransition(ActionFinish, ticket.Status) {
		return "", ErrInvalidState
	}
	if category.RequiresConfirmation {
		ticket.Status = models.StatusPendingConfirmation
		return EventFinishRequested, nil
	}
	closeTicket(ticket, at)
	ReleaseCounter(counter)
	return EventTicketFinished, nil
}

func ConfirmTicket(ticket *models.Ticket, counter *models.Counter, message string, at time.Time) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}
	if counter.Status != models.CounterOccupied {
		return ErrCounterIdle
	}
	if !ValidTransition(ActionConfirm, ticket.Status) {
		return ErrInvalidState
	}
	ticket.Message = message
	closeTicket(ticket, at)
	ReleaseCounter(counter)
	return nil
}

// RecallTicket puts a finished ticket back in service on the first free counter
// and returns that counter's index.
func RecallTicket(ticket *models.Ticket, counters []models.Counter, at time.Time) (int, error) {
	if !ValidTransition(ActionRecall, ticket.Status) {
		return -1, ErrInvalidState
	}
	idx, ok := FirstFreeCounter(counters)
	if !ok {
		return -1, ErrNoCounter
	}
	AssignTicket(ticket, &counters[idx], at)
	return idx, nil
}

func closeTicket(ticket *models.Ticket, at time.Time) {
	finishedAt := at
	ticket.Status = models.StatusFinished
	ticket.CounterID = nil
	ticket.FinishedAt = &finishedAt
}

// Now returns at, or the current UTC time when at is zero.
func Now(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}
