package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/display"
	"github.com/nikolasgian10/cidades-sub000/internal/events"
	"github.com/nikolasgian10/cidades-sub000/internal/hub"
	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/printer"
	"github.com/nikolasgian10/cidades-sub000/internal/store"
)

// DisplaySink pushes called and recalled tickets to the panel. The entry carries
// the event seq so a shared panel fed by several relays shows each call once.
type DisplaySink struct {
	Feed display.Feed
}

func (DisplaySink) Name() string { return "display" }

func (s DisplaySink) Handle(ctx context.Context, event store.Event, ticket models.Ticket) error {
	var entry display.Entry
	switch event.Type {
	case store.EventTicketCalled:
		entry = display.EntryFromTicket(ticket, false)
	case store.EventTicketRecalled:
		entry = display.EntryFromTicket(ticket, true)
	default:
		return nil
	}
	entry.Seq = event.Seq
	return s.Feed.Push(ctx, entry)
}

type HubSink struct {
	Hub *hub.Hub
}

func (HubSink) Name() string { return "hub" }

func (s HubSink) Handle(ctx context.Context, event store.Event, ticket models.Ticket) error {
	payload, err := json.Marshal(hub.Envelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt})
	if err != nil {
		return err
	}
	s.Hub.Broadcast(payload, hub.Subscription{Department: ticket.Department, Category: ticket.Category})
	return nil
}

// PrinterSink prints each ticket when it is created. Register it with
// Relay.WithLeader when several processes relay the same session.
type PrinterSink struct {
	Printer  printer.Printer
	Location *time.Location
}

func (PrinterSink) Name() string { return "printer" }

func (s PrinterSink) Handle(ctx context.Context, event store.Event, ticket models.Ticket) error {
	if event.Type != store.EventTicketCreated {
		return nil
	}
	return s.Printer.Print(ctx, printer.RecordFromTicket(ticket, s.Location))
}

type PublisherSink struct {
	Publisher events.Publisher
}

func (PublisherSink) Name() string { return "broker" }

func (s PublisherSink) Handle(ctx context.Context, event store.Event, ticket models.Ticket) error {
	return s.Publisher.Publish(ctx, events.MessageFromEvent(event))
}
