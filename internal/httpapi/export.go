package httpapi

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const reportTimeLayout = "02/01/2006 15:04:05"

var reportHeaders = []string{
	"senha", "categoria", "departamento", "prioridade", "status",
	"guiche", "emitida_em", "chamada_em", "finalizada_em", "mensagem",
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "format must be csv or xlsx", SeverityError)
		return
	}

	filter, ok := h.ticketFilterFrom(w, r)
	if !ok {
		return
	}

	tickets, err := h.store.ListTickets(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}

	rows := make([][]string, 0, len(tickets))
	for _, ticket := range tickets {
		rows = append(rows, ticketRow(ticket, h.location))
	}

	if format == "xlsx" {
		if err := writeXLSX(w, rows, h.now()); err != nil {
			h.logger.Error("report export failed", zap.String("request_id", requestID), zap.Error(err))
		}
		return
	}
	writeCSV(w, rows, h.now())
}

func ticketRow(ticket models.Ticket, loc *time.Location) []string {
	counter := ""
	if ticket.CounterID != nil {
		counter = strconv.Itoa(*ticket.CounterID)
	}
	priority := "nao"
	if ticket.Priority {
		priority = "sim"
	}
	return []string{
		ticket.TicketNumber,
		ticket.CategoryLabel,
		ticket.Department,
		priority,
		ticket.Status,
		counter,
		ticket.CreatedAt.In(loc).Format(reportTimeLayout),
		formatTime(ticket.CalledAt, loc),
		formatTime(ticket.FinishedAt, loc),
		ticket.Message,
	}
}

func formatTime(value *time.Time, loc *time.Location) string {
	if value == nil {
		return ""
	}
	return value.In(loc).Format(reportTimeLayout)
}

func writeCSV(w http.ResponseWriter, rows [][]string, now time.Time) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=senhas_%s.csv", now.Format("2006-01-02")))
	writer := csv.NewWriter(w)
	_ = writer.Write(reportHeaders)
	for _, row := range rows {
		_ = writer.Write(row)
	}
	writer.Flush()
}

func writeXLSX(w http.ResponseWriter, rows [][]string, now time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Senhas"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	headers := reportHeaders
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheet, "A1", lastHeader, style)

	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(sheet, "B", "C", 28)
	_ = f.SetColWidth(sheet, "G", "I", 20)
	_ = f.SetColWidth(sheet, "J", "J", 50)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=senhas_%s.xlsx", now.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	return f.Write(w)
}
