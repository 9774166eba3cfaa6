// Package display keeps the public panel state: the ticket being called now
// and the most recent calls before it.
package display

import (
	"context"
	"sync"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"
)

// HistorySize bounds the panel history. The oldest call is evicted first.
const HistorySize = 10

type Entry struct {
	TicketNumber  string    `json:"ticket_number"`
	CounterID     int       `json:"counter_id"`
	Category      string    `json:"category"`
	CategoryLabel string    `json:"category_label"`
	Color         string    `json:"color"`
	Department    string    `json:"department"`
	Priority      bool      `json:"priority"`
	Recall        bool      `json:"recall"`
	CalledAt      time.Time `json:"called_at"`
	// Session and Seq identify the event behind the entry. A feed applies
	// each sequenced event once; entries with Seq 0 are always applied.
	Session string `json:"session,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

// Board is the panel snapshot. History is newest first.
type Board struct {
	Current *Entry  `json:"current"`
	History []Entry `json:"history"`
}

type Feed interface {
	Push(ctx context.Context, entry Entry) error
	Board(ctx context.Context) (Board, error)
}

// EntryFromTicket builds the panel entry for a ticket that was just assigned
// to a counter.
func EntryFromTicket(ticket models.Ticket, recall bool) Entry {
	entry := Entry{
		TicketNumber:  ticket.TicketNumber,
		Category:      ticket.Category,
		CategoryLabel: ticket.CategoryLabel,
		Color:         ticket.Color,
		Department:    ticket.Department,
		Priority:      ticket.Priority,
		Recall:        recall,
		Session:       ticket.Session,
	}
	if ticket.CounterID != nil {
		entry.CounterID = *ticket.CounterID
	}
	if ticket.CalledAt != nil {
		entry.CalledAt = *ticket.CalledAt
	}
	return entry
}

type MemoryFeed struct {
	mu      sync.RWMutex
	current *Entry
	ring    [HistorySize]Entry
	next    int
	size    int

	session string
	lastSeq int64
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{}
}

func (f *MemoryFeed) Push(ctx context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry.Seq > 0 {
		switch {
		case entry.Session != f.session:
			f.current, f.next, f.size = nil, 0, 0
			f.session = entry.Session
		case entry.Seq <= f.lastSeq:
			return nil
		}
		f.lastSeq = entry.Seq
	}

	if f.current != nil {
		f.ring[f.next] = *f.current
		f.next = (f.next + 1) % HistorySize
		if f.size < HistorySize {
			f.size++
		}
	}
	f.current = &entry
	return nil
}

func (f *MemoryFeed) Board(ctx context.Context) (Board, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	board := Board{History: make([]Entry, 0, f.size)}
	if f.current != nil {
		current := *f.current
		board.Current = &current
	}
	for i := 0; i < f.size; i++ {
		idx := (f.next - 1 - i + HistorySize) % HistorySize
		board.History = append(board.History, f.ring[idx])
	}
	return board, nil
}
