package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opspulse-backend/internal/bus"
	"opspulse-backend/internal/rules"
	"opspulse-backend/internal/storage"
)

type ruleRequest struct {
	Name          string   `json:"name"`
	Enabled       *bool    `json:"enabled"`
	EventType     *string  `json:"event_type"`
	Source        *string  `json:"source"`
	Severity      *string  `json:"severity"`
	WindowSeconds int      `json:"window_seconds"`
	Threshold     int      `json:"threshold"`
	TenantID      *string  `json:"tenant_id"`
	Targets       []string `json:"targets"`
}

type ruleView struct {
	RuleID        string    `json:"rule_id"`
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	EventType     *string   `json:"event_type,omitempty"`
	Source        *string   `json:"source,omitempty"`
	Severity      *string   `json:"severity,omitempty"`
	WindowSeconds int       `json:"window_seconds"`
	Threshold     int       `json:"threshold"`
	TenantID      *string   `json:"tenant_id,omitempty"`
	Targets       []string  `json:"targets"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toRuleView(rec storage.RuleRecord) ruleView {
	return ruleView{
		RuleID:        rec.ID,
		Name:          rec.Name,
		Enabled:       rec.Enabled,
		EventType:     rec.EventType,
		Source:        rec.Source,
		Severity:      rec.Severity,
		WindowSeconds: rec.WindowSeconds,
		Threshold:     rec.Threshold,
		TenantID:      rec.TenantID,
		Targets:       rec.Targets,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func (h *Handler) publishRuleChange(subject, ruleID string) {
	if h.Bus == nil {
		return
	}
	_ = h.Bus.Publish(subject, bus.RuleChange{RuleID: ruleID})
}

func (h *Handler) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid JSON payload"})
		return
	}

	rec := storage.RuleRecord{
		Name:          req.Name,
		EventType:     req.EventType,
		Source:        req.Source,
		Severity:      req.Severity,
		WindowSeconds: req.WindowSeconds,
		Threshold:     req.Threshold,
		TenantID:      req.TenantID,
		Targets:       req.Targets,
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}

	if verr := rules.ValidateRule(rec); verr != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Ok: false, Code: verr.Code, Message: verr.Message, Details: verr.Details})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id, err := h.Repo.CreateRule(ctx, rec)
	if err != nil {
		h.Log.Error("rule create failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to persist rule"})
		return
	}

	h.publishRuleChange(bus.SubjectRuleCreated, id)
	h.audit(ctx, CallerFrom(r.Context()), "rule.create", "rule", id, map[string]any{"name": rec.Name})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rule_id": id})
}

func (h *Handler) handleRuleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	records, err := h.Repo.ListRules(ctx)
	if err != nil {
		h.Log.Error("rule list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list rules"})
		return
	}

	views := make([]ruleView, 0, len(records))
	for _, rec := range records {
		views = append(views, toRuleView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views})
}

func (h *Handler) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	rec, err := h.Repo.GetRule(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": toRuleView(rec)})
}

func (h *Handler) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid JSON payload"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	rec, err := h.Repo.GetRule(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}

	rec.Name = req.Name
	rec.EventType = req.EventType
	rec.Source = req.Source
	rec.Severity = req.Severity
	rec.WindowSeconds = req.WindowSeconds
	rec.Threshold = req.Threshold
	rec.TenantID = req.TenantID
	rec.Targets = req.Targets
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}

	if verr := rules.ValidateRule(rec); verr != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Ok: false, Code: verr.Code, Message: verr.Message, Details: verr.Details})
		return
	}

	if err := h.Repo.UpdateRule(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		h.Log.Error("rule update failed", "rule_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update rule"})
		return
	}

	h.publishRuleChange(bus.SubjectRuleUpdated, id)
	h.audit(ctx, CallerFrom(r.Context()), "rule.update", "rule", id, map[string]any{"name": rec.Name})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rule_id": id})
}

func (h *Handler) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	if _, err := h.Repo.GetRule(ctx, id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	if err := h.Repo.DeleteRule(ctx, id); err != nil {
		h.Log.Error("rule delete failed", "rule_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to delete rule"})
		return
	}

	h.publishRuleChange(bus.SubjectRuleDeleted, id)
	h.audit(ctx, CallerFrom(r.Context()), "rule.delete", "rule", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleRuleEnable(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *Handler) handleRuleDisable(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	if _, err := h.Repo.GetRule(ctx, id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
		return
	}
	if err := h.Repo.SetRuleEnabled(ctx, id, enabled); err != nil {
		h.Log.Error("rule toggle failed", "rule_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update rule"})
		return
	}

	subject := bus.SubjectRuleEnabled
	action := "rule.enable"
	if !enabled {
		subject = bus.SubjectRuleDisabled
		action = "rule.disable"
	}
	h.publishRuleChange(subject, id)
	h.audit(ctx, CallerFrom(r.Context()), action, "rule", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": enabled})
}

func (h *Handler) handleRuleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	outcome, err := h.Rules.EvaluateByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		h.Log.Error("rule evaluate failed", "rule_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to evaluate rule"})
		return
	}

	h.audit(ctx, CallerFrom(r.Context()), "rule.evaluate", "rule", id, map[string]any{"fired": outcome.Fired})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "outcome": outcome})
}
