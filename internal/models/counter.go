package models

type Counter struct {
	CounterID     int     `json:"counter_id"`
	Attendant     string  `json:"attendant"`
	Status        string  `json:"status"`
	CurrentTicket *string `json:"current_ticket,omitempty"`
}

const (
	CounterFree     = "free"
	CounterOccupied = "occupied"
)
