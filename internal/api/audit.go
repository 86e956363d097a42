package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"opspulse-backend/internal/storage"
)

type auditView struct {
	ID        int64           `json:"id"`
	Actor     string          `json:"actor"`
	Role      string          `json:"role,omitempty"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toAuditView(rec storage.AuditRecord) auditView {
	return auditView{
		ID:        rec.ID,
		Actor:     rec.Actor,
		Role:      rec.Role,
		Action:    rec.Action,
		Entity:    rec.Entity,
		EntityID:  rec.EntityID,
		Detail:    rec.Detail,
		CreatedAt: rec.CreatedAt,
	}
}

func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	since, _, err := queryTime(r, "since")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid since timestamp, use RFC3339"})
		return
	}
	until, _, err := queryTime(r, "until")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid until timestamp, use RFC3339"})
		return
	}

	filter := storage.AuditFilter{
		Actor:  r.URL.Query().Get("actor"),
		Action: r.URL.Query().Get("action"),
		Since:  since,
		Until:  until,
		Limit:  queryInt(r, "limit", 100),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	records, err := h.Repo.QueryAudit(ctx, filter)
	if err != nil {
		h.Log.Error("audit query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to query audit log"})
		return
	}

	views := make([]auditView, 0, len(records))
	for _, rec := range records {
		views = append(views, toAuditView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
