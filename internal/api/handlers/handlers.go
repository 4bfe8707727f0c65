package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/txnquery/internal/api/middleware"
	"github.com/dvloznov/txnquery/internal/core"
	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/history"
	"github.com/dvloznov/txnquery/internal/service"
	"github.com/dvloznov/txnquery/internal/stream"
)

// statusFromError maps the error taxonomy to HTTP statuses.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// QueryHandler handles ingest and query endpoints.
type QueryHandler struct {
	svc *service.QueryService
	log zerolog.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(svc *service.QueryService, log zerolog.Logger) *QueryHandler {
	return &QueryHandler{svc: svc, log: log}
}

// Ingest handles POST /api/ingest
func (h *QueryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string          `json:"user_id"`
		Transactions []corpus.Record `json:"transactions"`
		Replace      bool            `json:"replace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	accepted, rejected, version, err := h.svc.Ingest(r.Context(), req.UserID, req.Transactions, req.Replace)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Str("user_id", req.UserID).Msg("Failed to ingest transactions")
		middleware.WriteError(w, statusFromError(err), err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  req.UserID,
		"accepted": accepted,
		"rejected": rejected,
		"version":  version,
	})
}

// Query handles POST /api/query
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req service.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.svc.Query(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Str("user_id", req.UserID).Msg("Query failed")
		middleware.WriteError(w, statusFromError(err), err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// QueryStream handles POST /api/query/stream as Server-Sent Events.
func (h *QueryHandler) QueryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	var req service.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// The session derives from the request context, so a client disconnect
	// cancels generation upstream.
	session, err := h.svc.QueryStream(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Str("user_id", req.UserID).Msg("Failed to open stream")
		middleware.WriteError(w, statusFromError(err), err.Error())
		return
	}
	defer h.svc.Sessions().Release(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range session.Events() {
		if err := writeSSE(w, ev); err != nil {
			h.log.Debug().Err(err).Str("session_id", session.ID).Msg("Client went away mid-stream")
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev stream.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

// UsersHandler handles user management endpoints.
type UsersHandler struct {
	svc *service.QueryService
	log zerolog.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(svc *service.QueryService, log zerolog.Logger) *UsersHandler {
	return &UsersHandler{svc: svc, log: log}
}

// ListUsers handles GET /api/users
func (h *UsersHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.UserStats()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users": stats,
		"count": len(stats),
	})
}

// DeleteUser handles DELETE /api/users/{id}
func (h *UsersHandler) DeleteUser(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.svc.DeleteUser(r.Context(), userID); err != nil {
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Str("user_id", userID).Msg("Failed to delete user data")
		middleware.WriteError(w, statusFromError(err), err.Error())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"user_id": userID,
		"status":  "deleted",
	})
}

// HistoryHandler handles chat history endpoints.
type HistoryHandler struct {
	store *history.Store
	log   zerolog.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store *history.Store, log zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, log: log}
}

// ListHistory handles GET /api/history?user_id=&limit=
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	interactions, err := h.store.List(r.Context(), userID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Str("user_id", userID).Msg("Failed to list chat history")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list chat history")
		return
	}
	if interactions == nil {
		interactions = []history.Interaction{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"history": interactions,
		"count":   len(interactions),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
