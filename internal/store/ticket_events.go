package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"github.com/google/uuid"
)

const (
	EventTicketCreated   = "ticket.created"
	EventTicketCalled    = "ticket.called"
	EventFinishRequested = "ticket.finish_requested"
	EventTicketFinished  = "ticket.finished"
	EventTicketRecalled  = "ticket.recalled"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

// Event is one entry of the session's append-only log. Seq orders all events
// of the store; TicketSeq, PrevHash and Hash chain the events of one ticket.
type Event struct {
	Seq       int64           `json:"seq"`
	EventID   string          `json:"event_id"`
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NewTicketEvent snapshots the ticket and links the event after the ticket's
// previous event (lastSeq 0 and empty prevHash for the first one). Seq is
// assigned by the backend.
func NewTicketEvent(ticket models.Ticket, eventType string, lastSeq int, prevHash string, createdAt time.Time) (Event, error) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return Event{}, err
	}
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	nextSeq := lastSeq + 1
	return Event{
		EventID:   uuid.NewString(),
		TicketID:  ticket.TicketID,
		TicketSeq: nextSeq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticket.TicketID, eventType, payload, createdAt, nextSeq),
	}, nil
}

// DecodeTicket returns the ticket snapshot carried by the event.
func (e Event) DecodeTicket() (models.Ticket, error) {
	var ticket models.Ticket
	if err := json.Unmarshal(e.Payload, &ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// RehydrateTicket verifies the hash chain of one ticket's events and returns
// the state after the last one.
func RehydrateTicket(events []Event) (models.Ticket, error) {
	var ticket models.Ticket
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 || event.PrevHash != prev {
			return models.Ticket{}, ErrBrokenChain
		}
		if ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq) != event.Hash {
			return models.Ticket{}, ErrBrokenChain
		}
		prev = event.Hash
		if len(event.Payload) == 0 {
			continue
		}
		decoded, err := event.DecodeTicket()
		if err != nil {
			return models.Ticket{}, err
		}
		ticket = decoded
	}
	return ticket, nil
}
