package models

import "time"

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	TicketNumber  string     `json:"ticket_number"`
	Seq           int        `json:"seq"`
	Session       string     `json:"session,omitempty"`
	Category      string     `json:"category"`
	CategoryLabel string     `json:"category_label"`
	Color         string     `json:"color"`
	Department    string     `json:"department"`
	Priority      bool       `json:"priority"`
	Status        string     `json:"status"`
	CounterID     *int       `json:"counter_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

const (
	StatusWaiting             = "waiting"
	StatusInService           = "in_service"
	StatusPendingConfirmation = "pending_confirmation"
	StatusFinished            = "finished"
)

// Assigned reports whether the ticket currently holds a counter.
func (t Ticket) Assigned() bool {
	return t.Status == StatusInService || t.Status == StatusPendingConfirmation
}
