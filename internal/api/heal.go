package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/storage"
)

type healActionView struct {
	ID               int64     `json:"id"`
	TenantID         string    `json:"tenant_id,omitempty"`
	Endpoint         string    `json:"endpoint"`
	Severity         string    `json:"severity"`
	Strategy         string    `json:"strategy"`
	SpikeDetected    bool      `json:"spike_detected"`
	FailureCluster   bool      `json:"failure_cluster"`
	RecentCount      int       `json:"recent_count"`
	BaselineCount    int       `json:"baseline_count"`
	RecentFailures   int       `json:"recent_failures"`
	BaselineFailures int       `json:"baseline_failures"`
	Probability      float64   `json:"probability"`
	Executed         bool      `json:"executed"`
	SkipReason       string    `json:"skip_reason,omitempty"`
	ResultDetail     string    `json:"result_detail,omitempty"`
	DryRun           bool      `json:"dry_run"`
	CreatedAt        time.Time `json:"created_at"`
}

func toHealActionView(rec storage.HealingActionRecord) healActionView {
	return healActionView{
		ID:               rec.ID,
		TenantID:         rec.TenantID,
		Endpoint:         rec.Endpoint,
		Severity:         rec.Severity,
		Strategy:         rec.Strategy,
		SpikeDetected:    rec.SpikeDetected,
		FailureCluster:   rec.FailureCluster,
		RecentCount:      rec.RecentCount,
		BaselineCount:    rec.BaselineCount,
		RecentFailures:   rec.RecentFailures,
		BaselineFailures: rec.BaselineFailures,
		Probability:      rec.Probability,
		Executed:         rec.Executed,
		SkipReason:       rec.SkipReason,
		ResultDetail:     rec.ResultDetail,
		DryRun:           rec.DryRun,
		CreatedAt:        rec.CreatedAt,
	}
}

func (h *Handler) handleHealRun(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	result, err := h.Heal.RunCycle(ctx, dryRun)
	if err != nil {
		h.Log.Error("heal run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to run heal cycle"})
		return
	}

	h.audit(ctx, CallerFrom(r.Context()), "heal.run", "heal", "", map[string]any{
		"dry_run":            dryRun,
		"incidents_detected": result.IncidentsDetected,
		"actions_taken":      result.ActionsTaken,
	})
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleHealActions(w http.ResponseWriter, r *http.Request) {
	filter := storage.HealActionFilter{
		Endpoint: r.URL.Query().Get("endpoint"),
		TenantID: r.URL.Query().Get("tenant"),
		Limit:    queryInt(r, "limit", 100),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	records, err := h.Repo.ListHealingActions(ctx, filter)
	if err != nil {
		h.Log.Error("heal action list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list healing actions"})
		return
	}

	views := make([]healActionView, 0, len(records))
	for _, rec := range records {
		views = append(views, toHealActionView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": views})
}

func (h *Handler) handleHealLastAction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	rec, err := h.Repo.LastHealingAction(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "no healing actions recorded"})
			return
		}
		h.Log.Error("heal last action failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load healing action"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": toHealActionView(rec)})
}

type cooldownClearRequest struct {
	Endpoint string `json:"endpoint"`
	TenantID string `json:"tenant_id"`
}

func (h *Handler) handleHealCooldownClear(w http.ResponseWriter, r *http.Request) {
	var req cooldownClearRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid JSON payload"})
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "endpoint is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	if err := h.Repo.ClearHealState(ctx, req.TenantID, req.Endpoint); err != nil {
		h.Log.Error("cooldown clear failed", "endpoint", req.Endpoint, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to clear heal state"})
		return
	}

	h.audit(ctx, CallerFrom(r.Context()), "heal.cooldown.clear", "heal_state", req.Endpoint, map[string]any{"tenant_id": req.TenantID})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type tenantOverrideView struct {
	Disabled        *bool    `json:"disabled,omitempty"`
	MinConfidence   *float64 `json:"min_confidence,omitempty"`
	ReplayBatchCap  *int     `json:"replay_batch_cap,omitempty"`
	CooldownSeconds *int     `json:"cooldown_seconds,omitempty"`
}

type healConfigView struct {
	Enabled                 bool                          `json:"enabled"`
	CycleIntervalSeconds    int                           `json:"cycle_interval_seconds"`
	MinConfidence           float64                       `json:"min_confidence"`
	CooldownSeconds         int                           `json:"cooldown_seconds"`
	MaxActionsPerCycle      int                           `json:"max_actions_per_cycle"`
	MaxActionsPerHour       int                           `json:"max_actions_per_hour"`
	ReplayBatchCap          int                           `json:"replay_batch_cap"`
	MassiveClusterThreshold int                           `json:"massive_cluster_threshold"`
	SilenceSpikeRatio       float64                       `json:"silence_spike_ratio"`
	DeferralLimit           int                           `json:"deferral_limit"`
	EscalateOnlyOnCritical  bool                          `json:"escalate_only_on_critical"`
	Tenants                 map[string]tenantOverrideView `json:"tenants,omitempty"`
}

func toHealConfigView(cfg config.HealConfig) healConfigView {
	view := healConfigView{
		Enabled:                 cfg.Enabled,
		CycleIntervalSeconds:    cfg.CycleIntervalSeconds,
		MinConfidence:           cfg.MinConfidence,
		CooldownSeconds:         cfg.CooldownSeconds,
		MaxActionsPerCycle:      cfg.MaxActionsPerCycle,
		MaxActionsPerHour:       cfg.MaxActionsPerHour,
		ReplayBatchCap:          cfg.ReplayBatchCap,
		MassiveClusterThreshold: cfg.MassiveClusterThreshold,
		SilenceSpikeRatio:       cfg.SilenceSpikeRatio,
		DeferralLimit:           cfg.DeferralLimit,
		EscalateOnlyOnCritical:  cfg.EscalateOnlyOnCritical,
	}
	if len(cfg.Tenants) > 0 {
		view.Tenants = make(map[string]tenantOverrideView, len(cfg.Tenants))
		for tenant, override := range cfg.Tenants {
			view.Tenants[tenant] = tenantOverrideView{
				Disabled:        override.Disabled,
				MinConfidence:   override.MinConfidence,
				ReplayBatchCap:  override.ReplayBatchCap,
				CooldownSeconds: override.CooldownSeconds,
			}
		}
	}
	return view
}

func (h *Handler) handleHealConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"config": toHealConfigView(h.Cfg().Heal)})
}
