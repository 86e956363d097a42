package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opspulse-backend/internal/dispatch"
	"opspulse-backend/internal/storage"
)

type deliveryView struct {
	DeliveryID     string    `json:"delivery_id"`
	AlertEventID   string    `json:"alert_event_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	Target         string    `json:"target"`
	Status         string    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	LastError      string    `json:"last_error,omitempty"`
	LastStatusCode int       `json:"last_status_code,omitempty"`
	TriageLabel    string    `json:"triage_label,omitempty"`
	TriageScore    int       `json:"triage_score,omitempty"`
	TriageReason   string    `json:"triage_reason,omitempty"`
	ReplayedFrom   *string   `json:"replayed_from,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toDeliveryView(rec storage.DeliveryRecord) deliveryView {
	return deliveryView{
		DeliveryID:     rec.ID,
		AlertEventID:   rec.AlertEventID,
		TenantID:       rec.TenantID,
		Target:         rec.Target,
		Status:         rec.Status,
		AttemptCount:   rec.AttemptCount,
		MaxAttempts:    rec.MaxAttempts,
		NextAttemptAt:  rec.NextAttemptAt,
		LastError:      rec.LastError,
		LastStatusCode: rec.LastStatusCode,
		TriageLabel:    rec.TriageLabel,
		TriageScore:    rec.TriageScore,
		TriageReason:   rec.TriageReason,
		ReplayedFrom:   rec.ReplayedFrom,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func (h *Handler) handleDeliveryList(w http.ResponseWriter, r *http.Request) {
	filter := storage.DeliveryFilter{
		Status:   r.URL.Query().Get("status"),
		TenantID: r.URL.Query().Get("tenant"),
		Target:   r.URL.Query().Get("target"),
		Limit:    queryInt(r, "limit", 100),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	records, err := h.Repo.ListDeliveries(ctx, filter)
	if err != nil {
		h.Log.Error("delivery list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list deliveries"})
		return
	}

	views := make([]deliveryView, 0, len(records))
	for _, rec := range records {
		views = append(views, toDeliveryView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": views})
}

func (h *Handler) handleDeliveryGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	rec, err := h.Repo.GetDelivery(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "delivery not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": toDeliveryView(rec)})
}

func (h *Handler) handleDeliveryReplay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	newID, err := h.Dispatcher.Replay(ctx, id)
	if err != nil {
		h.writeReplayError(w, id, err)
		return
	}

	h.audit(ctx, CallerFrom(r.Context()), "delivery.replay", "delivery", id, map[string]any{"new_delivery_id": newID})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delivery_id": newID})
}

func (h *Handler) writeReplayError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "delivery not found"})
	case errors.Is(err, dispatch.ErrAlreadyDelivered):
		writeJSON(w, http.StatusConflict, errorResponse{Ok: false, Code: "ALREADY_DELIVERED", Message: "delivery already completed"})
	case errors.Is(err, dispatch.ErrNotReplayable):
		writeJSON(w, http.StatusBadRequest, errorResponse{Ok: false, Code: "NOT_REPLAYABLE", Message: "delivery cannot be replayed"})
	default:
		h.Log.Error("delivery replay failed", "delivery_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to replay delivery"})
	}
}

type bulkReplayRequest struct {
	IDs []string `json:"ids"`
}

type replayResult struct {
	DeliveryID    string `json:"delivery_id"`
	Ok            bool   `json:"ok"`
	NewDeliveryID string `json:"new_delivery_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *Handler) handleDeliveryBulkReplay(w http.ResponseWriter, r *http.Request) {
	var req bulkReplayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid JSON payload"})
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "ids must not be empty"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	results := make([]replayResult, 0, len(req.IDs))
	replayed := 0
	for _, id := range req.IDs {
		newID, err := h.Dispatcher.Replay(ctx, id)
		if err != nil {
			results = append(results, replayResult{DeliveryID: id, Ok: false, Error: replayErrorLabel(err)})
			continue
		}
		replayed++
		results = append(results, replayResult{DeliveryID: id, Ok: true, NewDeliveryID: newID})
	}

	h.audit(ctx, CallerFrom(r.Context()), "delivery.replay.bulk", "delivery", "", map[string]any{
		"requested": len(req.IDs),
		"replayed":  replayed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

func replayErrorLabel(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not found"
	case errors.Is(err, dispatch.ErrAlreadyDelivered):
		return "already delivered"
	case errors.Is(err, dispatch.ErrNotReplayable):
		return "not replayable"
	default:
		return "replay failed"
	}
}
