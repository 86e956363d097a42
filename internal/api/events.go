package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"opspulse-backend/internal/event"
	"opspulse-backend/internal/storage"
)

type eventView struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Severity  string          `json:"severity"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func toEventView(rec storage.EventRecord) eventView {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	return eventView{
		EventID:   rec.ID,
		EventType: rec.Type,
		Source:    rec.Source,
		Severity:  rec.Severity,
		TenantID:  rec.TenantID,
		Timestamp: rec.Timestamp,
		Payload:   payload,
	}
}

func (h *Handler) handleEventPublish(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if err := decodeJSON(r, &e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid JSON payload"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id, err := h.Publisher.Publish(ctx, e)
	if err != nil {
		var schemaErr *event.SchemaError
		if errors.As(err, &schemaErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Ok:      false,
				Code:    schemaErr.Code,
				Message: schemaErr.Message,
				Details: schemaErr.Details,
			})
			return
		}
		h.Log.Error("event publish failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to publish event"})
		return
	}

	// Accepted, not created: persistence may still be catching up through
	// the publisher's retry buffer.
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "event_id": id})
}

func (h *Handler) handleEventQuery(w http.ResponseWriter, r *http.Request) {
	since, _, err := queryTime(r, "since")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid since timestamp, use RFC3339"})
		return
	}

	filter := storage.EventFilter{
		Type:     r.URL.Query().Get("type"),
		Source:   r.URL.Query().Get("source"),
		TenantID: r.URL.Query().Get("tenant"),
		Severity: r.URL.Query().Get("severity"),
		Since:    since,
		Limit:    queryInt(r, "limit", 100),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	records, err := h.Repo.QueryEvents(ctx, filter)
	if err != nil {
		h.Log.Error("event query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to query events"})
		return
	}

	views := make([]eventView, 0, len(records))
	for _, rec := range records {
		views = append(views, toEventView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (h *Handler) handleEventStats(w http.ResponseWriter, r *http.Request) {
	window := queryInt(r, "window", 3600)
	since := time.Now().UTC().Add(-time.Duration(window) * time.Second)

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	stats, err := h.Repo.EventStats(ctx, since)
	if err != nil {
		h.Log.Error("event stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to compute stats"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window_seconds": window,
		"total":          stats.Total,
		"by_severity":    stats.BySeverity,
	})
}

func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "message": "event stream not available"})
		return
	}
	h.Hub.ServeHTTP(w, r)
}
