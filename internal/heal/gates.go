package heal

import (
	"fmt"
	"time"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
)

// policy is the effective healing policy for one tenant after overrides.
type policy struct {
	disabled       bool
	minConfidence  float64
	replayBatchCap int
	cooldown       time.Duration
}

func resolvePolicy(cfg config.HealConfig, tenantID string) policy {
	p := policy{
		minConfidence:  cfg.MinConfidence,
		replayBatchCap: cfg.ReplayBatchCap,
		cooldown:       cfg.Cooldown(),
	}
	override, ok := cfg.Tenants[tenantID]
	if !ok {
		return p
	}
	if override.Disabled != nil {
		p.disabled = *override.Disabled
	}
	if override.MinConfidence != nil {
		p.minConfidence = *override.MinConfidence
	}
	if override.ReplayBatchCap != nil {
		p.replayBatchCap = *override.ReplayBatchCap
	}
	if override.CooldownSeconds != nil {
		p.cooldown = time.Duration(*override.CooldownSeconds) * time.Second
	}
	return p
}

// gateInput carries the facts the safety gates consult for one candidate
// action. lastHealAt is zero when the endpoint has never been healed.
type gateInput struct {
	strategy    string
	severity    string
	probability float64
	lastHealAt  time.Time
	cycleCount  int
	hourCount   int64
}

// checkGates runs the gates in order and returns the first blocking reason.
// Deferral is watch-and-wait, not an intervention, so it bypasses cooldown
// and the volume caps but still respects the kill switches.
func checkGates(cfg config.HealConfig, pol policy, in gateInput, now time.Time) (bool, string) {
	if !cfg.Enabled {
		return false, "kill switch disabled"
	}
	if pol.disabled {
		return false, "healing disabled for tenant"
	}
	if in.strategy == StrategyReplay && in.probability < pol.minConfidence {
		return false, fmt.Sprintf("confidence %.2f below minimum %.2f", in.probability, pol.minConfidence)
	}
	if cfg.EscalateOnlyOnCritical && in.severity == event.SeverityCritical && in.strategy != StrategyEscalate {
		return false, "critical incident requires operator escalation"
	}
	if in.strategy == StrategyDefer {
		return true, ""
	}
	if !in.lastHealAt.IsZero() && now.Sub(in.lastHealAt) < pol.cooldown {
		return false, fmt.Sprintf("endpoint in cooldown until %s", in.lastHealAt.Add(pol.cooldown).UTC().Format(time.RFC3339))
	}
	if in.cycleCount >= cfg.MaxActionsPerCycle {
		return false, "per-cycle action cap reached"
	}
	if in.hourCount >= int64(cfg.MaxActionsPerHour) {
		return false, "hourly action cap reached"
	}
	return true, ""
}
