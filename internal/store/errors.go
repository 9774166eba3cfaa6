package store

import "errors"

var (
	ErrUnknownCategory      = errors.New("unknown category")
	ErrMissingDepartment    = errors.New("missing department")
	ErrNoTicket             = errors.New("no ticket available")
	ErrNoCounter            = errors.New("no counter available")
	ErrEmptyMessage         = errors.New("empty message")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrInvalidState         = errors.New("invalid ticket state")
	ErrCounterNotFound      = errors.New("counter not found")
	ErrCounterUnavailable   = errors.New("counter unavailable")
	ErrCounterIdle          = errors.New("counter not serving")
	ErrConfirmationRequired = errors.New("confirmation required")
)
