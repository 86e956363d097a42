package heal

import (
	"strings"
	"testing"
	"time"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
)

func TestResolvePolicyDefaults(t *testing.T) {
	cfg := config.Default().Heal
	pol := resolvePolicy(cfg, "acme")
	if pol.disabled {
		t.Fatal("expected healing enabled without an override")
	}
	if pol.minConfidence != cfg.MinConfidence {
		t.Fatalf("expected min confidence %v got %v", cfg.MinConfidence, pol.minConfidence)
	}
	if pol.replayBatchCap != cfg.ReplayBatchCap {
		t.Fatalf("expected batch cap %d got %d", cfg.ReplayBatchCap, pol.replayBatchCap)
	}
	if pol.cooldown != cfg.Cooldown() {
		t.Fatalf("expected cooldown %v got %v", cfg.Cooldown(), pol.cooldown)
	}
}

func TestResolvePolicyTenantOverride(t *testing.T) {
	disabled := true
	minConfidence := 0.9
	batchCap := 5
	cooldownSeconds := 600
	cfg := config.Default().Heal
	cfg.Tenants = map[string]config.TenantOverride{
		"acme": {
			Disabled:        &disabled,
			MinConfidence:   &minConfidence,
			ReplayBatchCap:  &batchCap,
			CooldownSeconds: &cooldownSeconds,
		},
	}

	pol := resolvePolicy(cfg, "acme")
	if !pol.disabled {
		t.Fatal("expected tenant override to disable healing")
	}
	if pol.minConfidence != 0.9 {
		t.Fatalf("expected min confidence 0.9 got %v", pol.minConfidence)
	}
	if pol.replayBatchCap != 5 {
		t.Fatalf("expected batch cap 5 got %d", pol.replayBatchCap)
	}
	if pol.cooldown != 10*time.Minute {
		t.Fatalf("expected cooldown 10m got %v", pol.cooldown)
	}

	other := resolvePolicy(cfg, "globex")
	if other.disabled || other.minConfidence != cfg.MinConfidence {
		t.Fatal("expected other tenants to keep the global policy")
	}
}

func TestCheckGatesKillSwitchBlocksFirst(t *testing.T) {
	cfg := config.Default().Heal
	cfg.Enabled = false
	// Tenant disable is also active; the kill switch reason must still win.
	pol := resolvePolicy(cfg, "acme")
	pol.disabled = true

	ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyEscalate, severity: event.SeverityWarning, probability: 0.95}, time.Now())
	if ok {
		t.Fatal("expected kill switch to block")
	}
	if reason != "kill switch disabled" {
		t.Fatalf("expected kill switch reason got %q", reason)
	}
}

func TestCheckGatesTenantDisabled(t *testing.T) {
	cfg := config.Default().Heal
	pol := resolvePolicy(cfg, "acme")
	pol.disabled = true

	ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyReplay, severity: event.SeverityWarning, probability: 0.95}, time.Now())
	if ok {
		t.Fatal("expected tenant disable to block")
	}
	if reason != "healing disabled for tenant" {
		t.Fatalf("expected tenant disable reason got %q", reason)
	}
}

func TestCheckGatesReplayConfidence(t *testing.T) {
	cfg := config.Default().Heal
	pol := resolvePolicy(cfg, "acme")
	now := time.Now()

	ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyReplay, severity: event.SeverityWarning, probability: 0.5}, now)
	if ok {
		t.Fatal("expected low confidence replay to block")
	}
	if !strings.Contains(reason, "confidence") {
		t.Fatalf("expected confidence reason got %q", reason)
	}

	// The floor guards replays only; other strategies keep their own risk profile.
	if ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyRateLimit, severity: event.SeverityWarning, probability: 0.5}, now); !ok {
		t.Fatalf("expected rate limit to pass at low confidence, blocked with %q", reason)
	}
}

func TestCheckGatesCriticalRequiresEscalation(t *testing.T) {
	cfg := config.Default().Heal
	pol := resolvePolicy(cfg, "acme")
	now := time.Now()

	ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyReplay, severity: event.SeverityCritical, probability: 0.9}, now)
	if ok {
		t.Fatal("expected critical incident to block auto replay")
	}
	if reason != "critical incident requires operator escalation" {
		t.Fatalf("expected escalation reason got %q", reason)
	}

	if ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyEscalate, severity: event.SeverityCritical, probability: 0.95}, now); !ok {
		t.Fatalf("expected escalation to pass on critical, blocked with %q", reason)
	}

	cfg.EscalateOnlyOnCritical = false
	if ok, reason := checkGates(cfg, pol, gateInput{strategy: StrategyReplay, severity: event.SeverityCritical, probability: 0.9}, now); !ok {
		t.Fatalf("expected replay to pass with relaxed critical policy, blocked with %q", reason)
	}
}

func TestCheckGatesCooldown(t *testing.T) {
	cfg := config.Default().Heal
	pol := resolvePolicy(cfg, "acme")
	now := time.Now()

	in := gateInput{strategy: StrategyReplay, severity: event.SeverityWarning, probability: 0.9, lastHealAt: now.Add(-time.Minute)}
	ok, reason := checkGates(cfg, pol, in, now)
	if ok {
		t.Fatal("expected cooldown to block")
	}
	if !strings.Contains(reason, "cooldown") {
		t.Fatalf("expected cooldown reason got %q", reason)
	}

	in.lastHealAt = now.Add(-10 * time.Minute)
	if ok, reason := checkGates(cfg, pol, in, now); !ok {
		t.Fatalf("expected elapsed cooldown to pass, blocked with %q", reason)
	}

	in.lastHealAt = time.Time{}
	if ok, reason := checkGates(cfg, pol, in, now); !ok {
		t.Fatalf("expected unhealed endpoint to pass, blocked with %q", reason)
	}

	in = gateInput{strategy: StrategyDefer, severity: event.SeverityWarning, probability: 0.3, lastHealAt: now.Add(-time.Minute)}
	if ok, reason := checkGates(cfg, pol, in, now); !ok {
		t.Fatalf("expected deferral to bypass cooldown, blocked with %q", reason)
	}
}

func TestCheckGatesVolumeCaps(t *testing.T) {
	cfg := config.Default().Heal
	pol := resolvePolicy(cfg, "acme")
	now := time.Now()

	in := gateInput{strategy: StrategyReplay, severity: event.SeverityWarning, probability: 0.9, cycleCount: cfg.MaxActionsPerCycle}
	ok, reason := checkGates(cfg, pol, in, now)
	if ok {
		t.Fatal("expected per-cycle cap to block")
	}
	if reason != "per-cycle action cap reached" {
		t.Fatalf("expected per-cycle cap reason got %q", reason)
	}

	in = gateInput{strategy: StrategyReplay, severity: event.SeverityWarning, probability: 0.9, hourCount: int64(cfg.MaxActionsPerHour)}
	ok, reason = checkGates(cfg, pol, in, now)
	if ok {
		t.Fatal("expected hourly cap to block")
	}
	if reason != "hourly action cap reached" {
		t.Fatalf("expected hourly cap reason got %q", reason)
	}

	in = gateInput{strategy: StrategyDefer, severity: event.SeverityWarning, probability: 0.3, cycleCount: cfg.MaxActionsPerCycle, hourCount: int64(cfg.MaxActionsPerHour)}
	if ok, reason := checkGates(cfg, pol, in, now); !ok {
		t.Fatalf("expected deferral to bypass the caps, blocked with %q", reason)
	}
}
