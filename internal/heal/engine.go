package heal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opspulse-backend/internal/anomaly"
	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
	"opspulse-backend/internal/metrics"
	"opspulse-backend/internal/storage"
	"opspulse-backend/internal/triage"
)

// Replayer is the dispatcher's replay primitive. Healing never writes
// delivery rows directly; every delivery mutation goes through here.
type Replayer interface {
	Replay(ctx context.Context, deliveryID string) (string, error)
}

// failedBatchLimit bounds how many failed deliveries one incident pulls in
// for triage. Distributions stabilize well below this.
const failedBatchLimit = 100

// ActionResult reports one incident's decision within a cycle.
type ActionResult struct {
	TenantID    string  `json:"tenant_id"`
	Endpoint    string  `json:"endpoint"`
	Severity    string  `json:"severity"`
	Strategy    string  `json:"strategy"`
	Probability float64 `json:"probability"`
	Executed    bool    `json:"executed"`
	SkipReason  string  `json:"skip_reason,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}

// CycleResult summarizes one healing cycle. In a dry run Executed actions
// describe what would have happened; no state was touched.
type CycleResult struct {
	DryRun            bool           `json:"dry_run"`
	IncidentsDetected int            `json:"incidents_detected"`
	ActionsTaken      int            `json:"actions_taken"`
	ActionsSkipped    int            `json:"actions_skipped"`
	StartedAt         time.Time      `json:"started_at"`
	DetectMillis      int64          `json:"detect_millis"`
	ElapsedMillis     int64          `json:"elapsed_millis"`
	Actions           []ActionResult `json:"actions"`
}

type Engine struct {
	repo *storage.Repository
	pub  *event.Publisher
	rep  Replayer
	cfg  func() *config.Config
	log  *slog.Logger

	now func() time.Time
}

func NewEngine(repo *storage.Repository, pub *event.Publisher, rep Replayer, cfg func() *config.Config, log *slog.Logger) *Engine {
	return &Engine{
		repo: repo,
		pub:  pub,
		rep:  rep,
		cfg:  cfg,
		log:  log,
		now:  time.Now,
	}
}

// RunCycle detects anomalies over the configured windows, decides one
// remediation per incident, and executes whatever clears the safety gates.
// Every decision, executed or skipped, lands in the healing audit trail.
// Incident-level failures are logged and do not stop the rest of the cycle.
func (e *Engine) RunCycle(ctx context.Context, dryRun bool) (CycleResult, error) {
	wallStart := time.Now()
	now := e.now()
	cfg := e.cfg()
	res := CycleResult{DryRun: dryRun, StartedAt: now}

	samples, err := e.repo.DeliverySamples(ctx, now.Add(-cfg.Anomaly.BaselineWindow()-cfg.Anomaly.RecentWindow()))
	if err != nil {
		return res, fmt.Errorf("load delivery samples: %w", err)
	}
	recentStart := now.Add(-cfg.Anomaly.RecentWindow())
	var recent, baseline []storage.DeliverySample
	for _, s := range samples {
		if s.CreatedAt.Before(recentStart) {
			baseline = append(baseline, s)
		} else {
			recent = append(recent, s)
		}
	}

	incidents := anomaly.Detect(recent, baseline, now, cfg.Anomaly)
	res.IncidentsDetected = len(incidents)
	res.DetectMillis = time.Since(wallStart).Milliseconds()
	for _, inc := range incidents {
		e.publishIncident(ctx, inc)
		metrics.AnomalyIncidents.WithLabelValues(inc.Severity).Inc()
	}

	hourCount, err := e.repo.CountExecutedActionsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return res, fmt.Errorf("count recent actions: %w", err)
	}
	cycleCount := 0

	for _, inc := range incidents {
		out := e.processIncident(ctx, inc, cycleCount, hourCount, dryRun, now, cfg)
		if out.err != nil {
			e.log.Error("incident healing failed", "tenant_id", inc.TenantID, "endpoint", inc.Endpoint, "error", out.err)
			continue
		}
		res.Actions = append(res.Actions, out.action)
		if out.action.Executed {
			res.ActionsTaken++
		} else {
			res.ActionsSkipped++
		}
		if out.consumedCap {
			cycleCount++
			hourCount++
		}
	}

	res.ElapsedMillis = time.Since(wallStart).Milliseconds()
	e.log.Info("heal cycle complete",
		"incidents", res.IncidentsDetected,
		"taken", res.ActionsTaken,
		"skipped", res.ActionsSkipped,
		"dry_run", dryRun,
		"elapsed_ms", res.ElapsedMillis,
	)
	return res, nil
}

type incidentOutcome struct {
	action      ActionResult
	consumedCap bool
	err         error
}

func (e *Engine) processIncident(ctx context.Context, inc anomaly.Incident, cycleCount int, hourCount int64, dryRun bool, now time.Time, cfg *config.Config) incidentOutcome {
	pol := resolvePolicy(cfg.Heal, inc.TenantID)

	failed, err := e.repo.FailedDeliveries(ctx, inc.TenantID, inc.Endpoint, now.Add(-cfg.Anomaly.RecentWindow()), failedBatchLimit)
	if err != nil {
		return incidentOutcome{err: fmt.Errorf("load failed deliveries: %w", err)}
	}
	dist := triage.Distribute(failed)

	strategy := ChooseStrategy(inc, dist, len(failed), cfg.Heal)

	state, stateErr := e.repo.GetHealState(ctx, inc.TenantID, inc.Endpoint)
	if stateErr != nil {
		state = storage.HealStateRecord{TenantID: inc.TenantID, Endpoint: inc.Endpoint}
	}

	// Perpetual deferral is its own failure mode. After the limit the
	// incident goes to an operator no matter what the distribution says.
	deferralEscalation := strategy == StrategyDefer && state.ConsecutiveDeferrals >= cfg.Heal.DeferralLimit
	if deferralEscalation {
		strategy = StrategyEscalate
	}

	replayTotal, replayDelivered, err := e.repo.ReplayStats(ctx, inc.Endpoint)
	if err != nil {
		return incidentOutcome{err: fmt.Errorf("load replay stats: %w", err)}
	}
	probability := PredictProbability(strategy, replayTotal, replayDelivered)

	var lastHeal time.Time
	if state.LastHealAt != nil {
		lastHeal = *state.LastHealAt
	}
	ok, reason := checkGates(cfg.Heal, pol, gateInput{
		strategy:    strategy,
		severity:    inc.Severity,
		probability: probability,
		lastHealAt:  lastHeal,
		cycleCount:  cycleCount,
		hourCount:   hourCount,
	}, now)

	rec := storage.HealingActionRecord{
		TenantID:         inc.TenantID,
		Endpoint:         inc.Endpoint,
		Severity:         inc.Severity,
		Strategy:         strategy,
		SpikeDetected:    inc.SpikeDetected,
		FailureCluster:   inc.FailureCluster,
		RecentCount:      inc.RecentCount,
		BaselineCount:    inc.BaselineCount,
		RecentFailures:   inc.RecentFailures,
		BaselineFailures: inc.BaselineFailures,
		Probability:      probability,
		DryRun:           dryRun,
		CreatedAt:        now,
	}
	action := ActionResult{
		TenantID:    inc.TenantID,
		Endpoint:    inc.Endpoint,
		Severity:    inc.Severity,
		Strategy:    strategy,
		Probability: probability,
	}

	if !ok {
		rec.SkipReason = reason
		action.SkipReason = reason
		if _, err := e.repo.InsertHealingAction(ctx, rec); err != nil {
			return incidentOutcome{err: fmt.Errorf("record skipped action: %w", err)}
		}
		metrics.HealActions.WithLabelValues(strategy, "skipped").Inc()
		return incidentOutcome{action: action}
	}

	if dryRun {
		rec.ResultDetail = "dry run, no action executed"
		if deferralEscalation {
			rec.ResultDetail = "dry run, would escalate after deferral limit"
		}
		action.Executed = true
		action.Detail = rec.ResultDetail
		if _, err := e.repo.InsertHealingAction(ctx, rec); err != nil {
			return incidentOutcome{err: fmt.Errorf("record dry run action: %w", err)}
		}
		metrics.HealActions.WithLabelValues(strategy, "dry_run").Inc()
		return incidentOutcome{action: action, consumedCap: strategy != StrategyDefer}
	}

	detail := e.execute(ctx, strategy, inc, failed, pol, state, cfg.Heal, now)
	if deferralEscalation {
		detail = fmt.Sprintf("%s (deferral limit %d reached)", detail, cfg.Heal.DeferralLimit)
	}
	rec.Executed = true
	rec.ResultDetail = detail
	action.Executed = true
	action.Detail = detail
	if _, err := e.repo.InsertHealingAction(ctx, rec); err != nil {
		return incidentOutcome{err: fmt.Errorf("record executed action: %w", err)}
	}
	metrics.HealActions.WithLabelValues(strategy, "executed").Inc()
	e.log.Info("healing action executed",
		"tenant_id", inc.TenantID,
		"endpoint", inc.Endpoint,
		"strategy", strategy,
		"probability", probability,
		"detail", detail,
	)
	return incidentOutcome{action: action, consumedCap: strategy != StrategyDefer}
}

// execute performs the chosen strategy and persists the endpoint's heal
// state. Sub-errors are logged, not returned: a partially successful replay
// batch is still an executed action.
func (e *Engine) execute(ctx context.Context, strategy string, inc anomaly.Incident, failed []storage.DeliveryRecord, pol policy, state storage.HealStateRecord, cfg config.HealConfig, now time.Time) string {
	var detail string
	switch strategy {
	case StrategyReplay:
		batch := failed
		if len(batch) > pol.replayBatchCap {
			batch = batch[:pol.replayBatchCap]
		}
		replayed := 0
		for _, d := range batch {
			if _, err := e.rep.Replay(ctx, d.ID); err != nil {
				e.log.Warn("heal replay rejected", "delivery_id", d.ID, "error", err)
				continue
			}
			replayed++
		}
		detail = fmt.Sprintf("replayed %d of %d failed deliveries", replayed, len(batch))
	case StrategyEscalate:
		e.emitHealEvent(ctx, event.TypeHealEscalated, event.SeverityCritical, inc, map[string]any{
			"strategy": StrategyEscalate,
		})
		detail = "escalated to operator"
	case StrategyRateLimit:
		until := now.Add(pol.cooldown)
		state.ThrottledUntil = &until
		e.emitHealEvent(ctx, event.TypeHealRateLimited, event.SeverityWarning, inc, map[string]any{
			"throttled_until": until,
		})
		detail = "source marked throttled until " + until.UTC().Format(time.RFC3339)
	case StrategySilence:
		until := now.Add(pol.cooldown)
		state.SilencedUntil = &until
		e.emitHealEvent(ctx, event.TypeHealSilenced, event.SeverityInfo, inc, map[string]any{
			"silenced_until": until,
		})
		detail = "duplicate alerts silenced until " + until.UTC().Format(time.RFC3339)
	case StrategyDefer:
		state.ConsecutiveDeferrals++
		detail = fmt.Sprintf("deferred for observation, consecutive deferral %d of %d", state.ConsecutiveDeferrals, cfg.DeferralLimit)
	}

	// Deferral watches without intervening, so it neither starts a cooldown
	// nor resets the counter that eventually forces escalation.
	if strategy != StrategyDefer {
		healedAt := now
		state.LastHealAt = &healedAt
		state.ConsecutiveDeferrals = 0
	}
	state.TenantID = inc.TenantID
	state.Endpoint = inc.Endpoint
	state.UpdatedAt = now
	if err := e.repo.UpsertHealState(ctx, state); err != nil {
		e.log.Error("heal state persist failed", "tenant_id", inc.TenantID, "endpoint", inc.Endpoint, "error", err)
	}
	return detail
}

func (e *Engine) publishIncident(ctx context.Context, inc anomaly.Incident) {
	if _, err := e.pub.Publish(ctx, event.Event{
		Type:     event.TypeAnomalyDetected,
		Source:   "anomaly-detector",
		Severity: inc.Severity,
		TenantID: inc.TenantID,
		Payload: map[string]any{
			"endpoint":          inc.Endpoint,
			"spike_detected":    inc.SpikeDetected,
			"failure_cluster":   inc.FailureCluster,
			"recent_count":      inc.RecentCount,
			"baseline_count":    inc.BaselineCount,
			"recent_failures":   inc.RecentFailures,
			"baseline_failures": inc.BaselineFailures,
			"recent_rate":       inc.RecentRate,
			"baseline_rate":     inc.BaselineRate,
		},
	}); err != nil {
		e.log.Error("anomaly event rejected", "tenant_id", inc.TenantID, "endpoint", inc.Endpoint, "error", err)
	}
}

func (e *Engine) emitHealEvent(ctx context.Context, eventType, severity string, inc anomaly.Incident, extra map[string]any) {
	payload := map[string]any{
		"endpoint":        inc.Endpoint,
		"recent_count":    inc.RecentCount,
		"recent_failures": inc.RecentFailures,
		"spike_detected":  inc.SpikeDetected,
		"failure_cluster": inc.FailureCluster,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := e.pub.Publish(ctx, event.Event{
		Type:     eventType,
		Source:   "auto-heal",
		Severity: severity,
		TenantID: inc.TenantID,
		Payload:  payload,
	}); err != nil {
		e.log.Error("heal event rejected", "event_type", eventType, "error", err)
	}
}
