package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/display"
	"github.com/nikolasgian10/cidades-sub000/internal/models"
	"github.com/nikolasgian10/cidades-sub000/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type Handler struct {
	store    store.QueueStore
	catalog  *catalog.Catalog
	feed     display.Feed
	realtime http.Handler
	location *time.Location
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

type Options struct {
	Catalog *catalog.Catalog
	Feed    display.Feed
	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler
	// Location is used for report timestamps.
	Location *time.Location
	Logger   *zap.Logger
}

type createTicketRequest struct {
	Category   string `json:"category" validate:"required,category"`
	Priority   bool   `json:"priority"`
	Department string `json:"department" validate:"max=120"`
}

type confirmRequest struct {
	Message string `json:"message" validate:"max=2000"`
}

type Notice struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Links point the citizen to the portal pages related to a ticket.
type Links struct {
	Protocol string `json:"protocol"`
	Messages string `json:"messages"`
}

type ticketResponse struct {
	Ticket models.Ticket `json:"ticket"`
	Notice *Notice       `json:"notice,omitempty"`
	Links  *Links        `json:"links,omitempty"`
}

type ticketEventsResponse struct {
	TicketNumber string        `json:"ticket_number"`
	Verified     bool          `json:"verified"`
	Events       []store.Event `json:"events"`
}

type panelResponse struct {
	display.Board
	Counters []models.Counter `json:"counters"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func NewHandler(queue store.QueueStore, options Options) *Handler {
	cat := options.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	feed := options.Feed
	if feed == nil {
		feed = display.NewMemoryFeed()
	}
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    queue,
		catalog:  cat,
		feed:     feed,
		realtime: options.Realtime,
		location: loc,
		validate: newValidator(cat),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newValidator(cat *catalog.Catalog) *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		_, ok := cat.Lookup(strings.TrimSpace(fl.Field().String()))
		return ok
	})
	return v
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/categories", h.handleCategories)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicketPath)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	mux.HandleFunc("/api/panel", h.handlePanel)
	mux.HandleFunc("/api/reports/tickets", h.handleReport)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"categories":  h.catalog.Categories(),
		"departments": h.catalog.Departments(),
	})
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateTicket(w, r)
	case http.MethodGet:
		h.handleListTickets(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	var req createTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Category = strings.TrimSpace(req.Category)
	req.Department = strings.TrimSpace(req.Department)

	if err := h.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Field() == "Category" {
			h.writeStoreError(w, requestID, store.ErrUnknownCategory)
			return
		}
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "invalid ticket request", SeverityError)
		return
	}

	ticket, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		Category:   req.Category,
		Priority:   req.Priority,
		Department: req.Department,
		CreatedAt:  h.now(),
	})
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusCreated, ticketResponse{
		Ticket: ticket,
		Notice: &Notice{
			Title:       "Senha gerada",
			Description: fmt.Sprintf("Senha %s - %s", ticket.TicketNumber, ticket.CategoryLabel),
			Severity:    SeverityInfo,
		},
		Links: linksFor(ticket),
	})
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	filter, ok := h.ticketFilterFrom(w, r)
	if !ok {
		return
	}

	tickets, err := h.store.ListTickets(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": tickets})
}

// ticketFilterFrom reads the status and category query filters. Unknown
// values are answered with an error and ok is false.
func (h *Handler) ticketFilterFrom(w http.ResponseWriter, r *http.Request) (store.TicketFilter, bool) {
	requestID := requestIDFrom(r)
	filter := store.TicketFilter{
		Status:   strings.TrimSpace(r.URL.Query().Get("status")),
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
	}
	if filter.Status != "" && !isTicketStatus(filter.Status) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "unknown status", SeverityError)
		return store.TicketFilter{}, false
	}
	if filter.Category != "" {
		if _, ok := h.catalog.Lookup(filter.Category); !ok {
			h.writeStoreError(w, requestID, store.ErrUnknownCategory)
			return store.TicketFilter{}, false
		}
	}
	return filter, true
}

func (h *Handler) handleTicketPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	number := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetTicket(w, r, number)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicketEvents(w, r, number)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "recall":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRecall(w, r, number)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, number string) {
	ticket, err := h.store.GetTicket(r.Context(), number)
	if err != nil {
		h.writeStoreError(w, requestIDFrom(r), err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Ticket: ticket, Links: linksFor(ticket)})
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, number string) {
	requestID := requestIDFrom(r)
	ticket, err := h.store.GetTicket(r.Context(), number)
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	events, err := h.store.ListTicketEvents(r.Context(), ticket.TicketID)
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	_, verifyErr := store.RehydrateTicket(events)
	if verifyErr != nil {
		h.logger.Warn("ticket history failed verification",
			zap.String("ticket_number", ticket.TicketNumber), zap.Error(verifyErr))
	}
	writeJSON(w, http.StatusOK, ticketEventsResponse{
		TicketNumber: ticket.TicketNumber,
		Verified:     verifyErr == nil,
		Events:       events,
	})
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request, number string) {
	ticket, err := h.store.Recall(r.Context(), store.RecallInput{TicketNumber: number, OccurredAt: h.now()})
	if err != nil {
		h.writeStoreError(w, requestIDFrom(r), err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{
		Ticket: ticket,
		Notice: &Notice{
			Title:       "Senha rechamada",
			Description: fmt.Sprintf("Senha %s no guichê %d", ticket.TicketNumber, counterOf(ticket)),
			Severity:    SeverityInfo,
		},
	})
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counters, err := h.store.ListCounters(r.Context())
	if err != nil {
		h.writeStoreError(w, requestIDFrom(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counters": counters})
}

func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	requestID := requestIDFrom(r)
	counterID, err := strconv.Atoi(parts[0])
	if err != nil || counterID <= 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "counter id must be a positive integer", SeverityError)
		return
	}

	switch parts[2] {
	case "call-next":
		h.handleCallNext(w, r, requestID, counterID)
	case "finish":
		h.handleFinish(w, r, requestID, counterID)
	case "confirm":
		h.handleConfirm(w, r, requestID, counterID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, requestID string, counterID int) {
	ticket, err := h.store.CallNext(r.Context(), store.CallNextInput{CounterID: counterID, CalledAt: h.now()})
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{
		Ticket: ticket,
		Notice: &Notice{
			Title:       "Senha chamada",
			Description: fmt.Sprintf("Senha %s no guichê %d", ticket.TicketNumber, counterID),
			Severity:    SeverityInfo,
		},
	})
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request, requestID string, counterID int) {
	ticket, err := h.store.FinishService(r.Context(), store.FinishInput{CounterID: counterID, OccurredAt: h.now()})
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	notice := &Notice{
		Title:       "Atendimento finalizado",
		Description: fmt.Sprintf("Senha %s finalizada", ticket.TicketNumber),
		Severity:    SeverityInfo,
	}
	if ticket.Status == models.StatusPendingConfirmation {
		notice = &Notice{
			Title:       "Mensagem obrigatória",
			Description: fmt.Sprintf("Registre a mensagem da senha %s para finalizar", ticket.TicketNumber),
			Severity:    SeverityWarning,
		}
	}
	writeJSON(w, http.StatusOK, ticketResponse{Ticket: ticket, Notice: notice, Links: linksFor(ticket)})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request, requestID string, counterID int) {
	var req confirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "message is too long", SeverityError)
		return
	}

	ticket, err := h.store.ConfirmCommunication(r.Context(), store.ConfirmInput{
		CounterID:  counterID,
		Message:    req.Message,
		OccurredAt: h.now(),
	})
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{
		Ticket: ticket,
		Notice: &Notice{
			Title:       "Atendimento finalizado",
			Description: fmt.Sprintf("Mensagem registrada para a senha %s", ticket.TicketNumber),
			Severity:    SeverityInfo,
		},
	})
}

func (h *Handler) handlePanel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	board, err := h.feed.Board(r.Context())
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	counters, err := h.store.ListCounters(r.Context())
	if err != nil {
		h.writeStoreError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, panelResponse{Board: board, Counters: counters})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg, severity := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	writeError(w, requestID, status, code, msg, severity)
}

func linksFor(ticket models.Ticket) *Links {
	return &Links{
		Protocol: "/protocolos/novo?categoria=" + url.QueryEscape(ticket.Category),
		Messages: "/mensagens?senha=" + url.QueryEscape(ticket.TicketNumber),
	}
}

func counterOf(ticket models.Ticket) int {
	if ticket.CounterID == nil {
		return 0
	}
	return *ticket.CounterID
}

func isTicketStatus(status string) bool {
	switch status {
	case models.StatusWaiting, models.StatusInService, models.StatusPendingConfirmation, models.StatusFinished:
		return true
	}
	return false
}

func requestIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload", SeverityError)
		return false
	}
	return true
}

func mapError(err error) (int, string, string, string) {
	switch {
	case errors.Is(err, store.ErrUnknownCategory):
		return http.StatusBadRequest, "unknown_category", "unknown category", SeverityError
	case errors.Is(err, store.ErrMissingDepartment):
		return http.StatusUnprocessableEntity, "missing_department", "missing department", SeverityError
	case errors.Is(err, store.ErrEmptyMessage):
		return http.StatusUnprocessableEntity, "empty_message", "message is required", SeverityError
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "no_ticket", "no ticket available", SeverityWarning
	case errors.Is(err, store.ErrNoCounter):
		return http.StatusConflict, "no_counter", "no counter available", SeverityWarning
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found", SeverityError
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found", SeverityError
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter is serving another ticket", SeverityWarning
	case errors.Is(err, store.ErrCounterIdle):
		return http.StatusConflict, "counter_idle", "counter is not serving a ticket", SeverityWarning
	case errors.Is(err, store.ErrConfirmationRequired):
		return http.StatusConflict, "confirmation_required", "a closing message is required", SeverityWarning
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action", SeverityError
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error", SeverityError
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message, severity string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:     code,
			Message:  message,
			Severity: severity,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
