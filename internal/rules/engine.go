package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
	"opspulse-backend/internal/metrics"
	"opspulse-backend/internal/storage"
)

// Enqueuer hands a fired alert to the delivery pipeline, one record per
// target. Returns the created delivery ids.
type Enqueuer interface {
	Enqueue(ctx context.Context, alertEventID, tenantID string, targets []string) ([]string, error)
}

// Outcome reports one rule evaluation. Fired and Deduped are mutually
// exclusive; both false means the threshold was not reached.
type Outcome struct {
	RuleID       string   `json:"rule_id"`
	Matched      int64    `json:"matched"`
	Threshold    int      `json:"threshold"`
	Fired        bool     `json:"fired"`
	Deduped      bool     `json:"deduped"`
	AlertEventID string   `json:"alert_event_id,omitempty"`
	DeliveryIDs  []string `json:"delivery_ids,omitempty"`
}

type CycleStats struct {
	Evaluated int `json:"evaluated"`
	Fired     int `json:"fired"`
	Deduped   int `json:"deduped"`
	Errors    int `json:"errors"`
}

type Engine struct {
	repo *storage.Repository
	pub  *event.Publisher
	enq  Enqueuer
	cfg  func() *config.Config
	log  *slog.Logger
	now  func() time.Time
}

func NewEngine(repo *storage.Repository, pub *event.Publisher, enq Enqueuer, cfg func() *config.Config, log *slog.Logger) *Engine {
	return &Engine{repo: repo, pub: pub, enq: enq, cfg: cfg, log: log, now: time.Now}
}

// RunCycle evaluates every enabled rule once. A rule that fails to evaluate
// is logged and skipped; it never halts the rest of the cycle.
func (e *Engine) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	enabled, err := e.repo.ListEnabledRules(ctx)
	if err != nil {
		e.log.Error("rule cycle: list enabled rules failed", "error", err)
		stats.Errors++
		return stats
	}
	for _, rule := range enabled {
		out, err := e.Evaluate(ctx, rule)
		if err != nil {
			e.log.Error("rule evaluation failed", "rule_id", rule.ID, "rule_name", rule.Name, "error", err)
			stats.Errors++
			continue
		}
		stats.Evaluated++
		if out.Fired {
			stats.Fired++
		}
		if out.Deduped {
			stats.Deduped++
		}
	}
	return stats
}

// EvaluateByID runs one rule outside the schedule. Dedup still applies.
func (e *Engine) EvaluateByID(ctx context.Context, ruleID string) (Outcome, error) {
	rule, err := e.repo.GetRule(ctx, ruleID)
	if err != nil {
		return Outcome{}, err
	}
	return e.Evaluate(ctx, rule)
}

func (e *Engine) Evaluate(ctx context.Context, rule storage.RuleRecord) (Outcome, error) {
	now := e.now().UTC()
	window := time.Duration(rule.WindowSeconds) * time.Second
	matched, err := e.repo.CountEventsMatching(ctx, rule, now.Add(-window))
	if err != nil {
		return Outcome{}, fmt.Errorf("count matching events: %w", err)
	}

	out := Outcome{RuleID: rule.ID, Matched: matched, Threshold: rule.Threshold}
	if matched < int64(rule.Threshold) {
		return out, nil
	}

	tenant := ""
	if rule.TenantID != nil {
		tenant = *rule.TenantID
	}
	last, err := e.repo.LastAlertRaised(ctx, rule.ID, tenant)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if err == nil && now.Sub(last) < e.cfg().Rules.DedupWindow() {
		out.Deduped = true
		return out, nil
	}

	alertID, err := e.fire(ctx, rule, tenant, matched, now)
	if err != nil {
		return Outcome{}, err
	}
	out.Fired = true
	out.AlertEventID = alertID
	metrics.AlertsFired.WithLabelValues(rule.Name).Inc()

	ids, err := e.enq.Enqueue(ctx, alertID, tenant, rule.Targets)
	if err != nil {
		// The alert event is already persisted; losing the enqueue is a
		// delivery gap, not a reason to unfire.
		e.log.Error("alert enqueue failed", "rule_id", rule.ID, "alert_event_id", alertID, "error", err)
		return out, nil
	}
	out.DeliveryIDs = ids
	return out, nil
}

func (e *Engine) fire(ctx context.Context, rule storage.RuleRecord, tenant string, matched int64, now time.Time) (string, error) {
	payload := map[string]any{
		"rule_id":        rule.ID,
		"rule_name":      rule.Name,
		"matched":        matched,
		"threshold":      rule.Threshold,
		"window_seconds": rule.WindowSeconds,
		"filters": map[string]any{
			"event_type": rule.EventType,
			"source":     rule.Source,
			"severity":   rule.Severity,
			"tenant_id":  rule.TenantID,
		},
	}
	alert := event.Event{
		Type:      event.TypeAlertRaised,
		Source:    "rule-engine",
		Severity:  alertSeverity(rule),
		TenantID:  tenant,
		Timestamp: now,
		Payload:   payload,
	}
	id, err := e.pub.Publish(ctx, alert)
	if err != nil {
		return "", fmt.Errorf("publish alert event: %w", err)
	}
	return id, nil
}

// alertSeverity carries the rule's severity filter onto the alert itself so a
// rule watching critical events raises a critical alert.
func alertSeverity(rule storage.RuleRecord) string {
	if rule.Severity != nil && event.ValidSeverity(*rule.Severity) {
		return *rule.Severity
	}
	return event.SeverityWarning
}
