package printer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"
)

func TestRecordFromTicket(t *testing.T) {
	ticket := models.Ticket{
		TicketNumber:  "T004",
		CategoryLabel: "IPTU e Tributos",
		Department:    "Secretaria de Finanças",
		Priority:      true,
		CreatedAt:     time.Date(2025, 3, 10, 12, 5, 0, 0, time.UTC),
	}
	loc := time.FixedZone("BRT", -3*60*60)

	record := RecordFromTicket(ticket, loc)
	if record.CreatedAt != "10/03/2025 09:05" {
		t.Fatalf("unexpected timestamp %q", record.CreatedAt)
	}
	if record.Number != "T004" || !record.Priority {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestNewSelectsPrinter(t *testing.T) {
	tests := []struct {
		kind string
		url  string
		want interface{}
	}{
		{"", "", logPrinter{}},
		{"noop", "", noopPrinter{}},
		{"fail", "", failPrinter{}},
		{"webhook", "", logPrinter{}},
		{"webhook", "http://printer.local", webhookPrinter{}},
		{"https://printer.local/print", "", webhookPrinter{}},
		{"laser", "", logPrinter{}},
	}
	for _, tc := range tests {
		got := New(tc.kind, tc.url, "", nil)
		switch tc.want.(type) {
		case logPrinter:
			if _, ok := got.(logPrinter); !ok {
				t.Fatalf("kind %q: expected log printer, got %T", tc.kind, got)
			}
		case noopPrinter:
			if _, ok := got.(noopPrinter); !ok {
				t.Fatalf("kind %q: expected noop printer, got %T", tc.kind, got)
			}
		case failPrinter:
			if _, ok := got.(failPrinter); !ok {
				t.Fatalf("kind %q: expected fail printer, got %T", tc.kind, got)
			}
		case webhookPrinter:
			if _, ok := got.(webhookPrinter); !ok {
				t.Fatalf("kind %q: expected webhook printer, got %T", tc.kind, got)
			}
		}
	}
}

func TestWebhookPrinter(t *testing.T) {
	var received TicketRecord
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := New("webhook", server.URL, "secret", nil)
	if err := p.Print(context.Background(), TicketRecord{Number: "C001"}); err != nil {
		t.Fatalf("print: %v", err)
	}
	if received.Number != "C001" {
		t.Fatalf("unexpected record %+v", received)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected authorization %q", auth)
	}
}

func TestWebhookPrinterRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if err := New(server.URL, "", "", nil).Print(context.Background(), TicketRecord{Number: "C001"}); err == nil {
		t.Fatalf("expected error")
	}
}
