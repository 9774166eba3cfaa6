// Package printer hands newly created tickets to the reception ticket printer.
package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"go.uber.org/zap"
)

const timestampLayout = "02/01/2006 15:04"

// TicketRecord is what gets printed on the paper ticket.
type TicketRecord struct {
	Number        string `json:"number"`
	CategoryLabel string `json:"category_label"`
	Department    string `json:"department"`
	Priority      bool   `json:"priority"`
	CreatedAt     string `json:"created_at"`
}

func RecordFromTicket(ticket models.Ticket, loc *time.Location) TicketRecord {
	if loc == nil {
		loc = time.UTC
	}
	return TicketRecord{
		Number:        ticket.TicketNumber,
		CategoryLabel: ticket.CategoryLabel,
		Department:    ticket.Department,
		Priority:      ticket.Priority,
		CreatedAt:     ticket.CreatedAt.In(loc).Format(timestampLayout),
	}
}

type Printer interface {
	Print(ctx context.Context, record TicketRecord) error
}

// New picks a printer by kind: log, noop, fail, webhook, or a URL taken as a
// webhook endpoint. A webhook without url falls back to log.
func New(kind, url, token string, logger *zap.Logger) Printer {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case "", "log":
		return logPrinter{logger: logger}
	case "noop":
		return noopPrinter{}
	case "fail":
		return failPrinter{}
	case "webhook":
		if url == "" {
			return logPrinter{logger: logger}
		}
		return newWebhookPrinter(url, token)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookPrinter(kind, token)
		}
		return logPrinter{logger: logger}
	}
}

type logPrinter struct {
	logger *zap.Logger
}

func (p logPrinter) Print(ctx context.Context, record TicketRecord) error {
	p.logger.Info("print ticket",
		zap.String("number", record.Number),
		zap.String("category", record.CategoryLabel),
		zap.String("department", record.Department),
		zap.Bool("priority", record.Priority),
		zap.String("created_at", record.CreatedAt),
	)
	return nil
}

type noopPrinter struct{}

func (noopPrinter) Print(ctx context.Context, record TicketRecord) error {
	return nil
}

type failPrinter struct{}

func (failPrinter) Print(ctx context.Context, record TicketRecord) error {
	return errors.New("printer failure")
}

type webhookPrinter struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookPrinter(url, token string) webhookPrinter {
	return webhookPrinter{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p webhookPrinter) Print(ctx context.Context, record TicketRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("printer rejected ticket: status %d", resp.StatusCode)
	}
	return nil
}
