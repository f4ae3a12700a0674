package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/service"
)

// (GET /api/v1/events)
// Filters: aggregate_kind + aggregate_id walk one aggregate's history,
// correlation_id walks a causal chain, otherwise the recent stream with
// optional type and since filters.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.EventQuery{
		AggregateKind: api.AggregateKind(q.Get("aggregate_kind")),
		AggregateID:   q.Get("aggregate_id"),
	}
	if raw := q.Get("correlation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeInvalidInput(w, "correlation_id is not a valid uuid: %q", raw)
			return
		}
		query.CorrelationID = &id
	}
	for _, raw := range queryValues(r, "type") {
		query.Types = append(query.Types, api.EventType(raw))
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeInvalidInput(w, "since must be RFC 3339: %q", raw)
			return
		}
		query.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.writeInvalidInput(w, "limit is not an integer: %q", raw)
			return
		}
		query.Limit = limit
	}

	events, err := h.service.ListEvents(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, events, http.StatusOK)
}

// (GET /api/v1/events/stats)
func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeInvalidInput(w, "days is not an integer: %q", raw)
			return
		}
		days = n
	}
	stats, err := h.service.EventStats(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, stats, http.StatusOK)
}
