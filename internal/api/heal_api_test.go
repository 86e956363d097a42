package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"opspulse-backend/internal/storage"
)

func TestHealRunDryRun(t *testing.T) {
	a := setupTestAPI(t)

	resp := a.do(t, http.MethodPost, "/heal/run?dry_run=true", nil, RoleAdmin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		DryRun            bool `json:"dry_run"`
		IncidentsDetected int  `json:"incidents_detected"`
		ActionsTaken      int  `json:"actions_taken"`
	}
	decodeBody(t, resp, &out)
	if !out.DryRun {
		t.Fatalf("expected dry_run true in cycle result")
	}
	if out.IncidentsDetected < 0 || out.ActionsTaken < 0 {
		t.Fatalf("expected non-negative counters, got %+v", out)
	}
}

func TestHealActionsFilter(t *testing.T) {
	a := setupTestAPI(t)
	tenant := uuid.NewString()
	endpoint := "https://hooks.example.com/" + uuid.NewString()

	_, err := a.repo.InsertHealingAction(context.Background(), storage.HealingActionRecord{
		TenantID:       tenant,
		Endpoint:       endpoint,
		Severity:       "warning",
		Strategy:       "REPLAY_RECENT",
		RecentCount:    12,
		RecentFailures: 9,
		Probability:    0.81,
		Executed:       true,
		ResultDetail:   "replayed 9 of 9 failed deliveries",
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to insert healing action: %v", err)
	}

	resp := a.do(t, http.MethodGet, "/heal/actions?endpoint="+endpoint, nil, RoleAdmin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var listed struct {
		Actions []healActionView `json:"actions"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Actions) != 1 {
		t.Fatalf("expected 1 action for endpoint, got %d", len(listed.Actions))
	}
	if listed.Actions[0].Strategy != "REPLAY_RECENT" {
		t.Fatalf("expected REPLAY_RECENT, got %s", listed.Actions[0].Strategy)
	}
	if !listed.Actions[0].Executed {
		t.Fatalf("expected executed action")
	}

	resp = a.do(t, http.MethodGet, "/heal/actions/last", nil, RoleAdmin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for last action, got %d", resp.Code)
	}
}

func TestHealCooldownClear(t *testing.T) {
	a := setupTestAPI(t)
	tenant := uuid.NewString()
	endpoint := "https://hooks.example.com/" + uuid.NewString()

	healedAt := time.Now().UTC()
	if err := a.repo.UpsertHealState(context.Background(), storage.HealStateRecord{
		TenantID:             tenant,
		Endpoint:             endpoint,
		LastHealAt:           &healedAt,
		ConsecutiveDeferrals: 2,
	}); err != nil {
		t.Fatalf("failed to seed heal state: %v", err)
	}

	resp := a.do(t, http.MethodPost, "/heal/cooldowns/clear", map[string]any{
		"endpoint":  endpoint,
		"tenant_id": tenant,
	}, RoleAdmin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	if _, err := a.repo.GetHealState(context.Background(), tenant, endpoint); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected heal state cleared, got %v", err)
	}

	resp = a.do(t, http.MethodPost, "/heal/cooldowns/clear", map[string]any{"tenant_id": tenant}, RoleAdmin)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without endpoint, got %d", resp.Code)
	}
}

func TestHealConfigView(t *testing.T) {
	a := setupTestAPI(t)

	resp := a.do(t, http.MethodGet, "/heal/config", nil, RoleAdmin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out struct {
		Config healConfigView `json:"config"`
	}
	decodeBody(t, resp, &out)
	if !out.Config.Enabled {
		t.Fatalf("expected default config enabled")
	}
	if out.Config.ReplayBatchCap != 25 {
		t.Fatalf("expected default replay batch cap 25, got %d", out.Config.ReplayBatchCap)
	}
	if out.Config.DeferralLimit != 3 {
		t.Fatalf("expected default deferral limit 3, got %d", out.Config.DeferralLimit)
	}
}

func TestAuditTrailForMutations(t *testing.T) {
	a := setupTestAPI(t)
	source := "edge-" + uuid.NewString()
	createRuleViaAPI(t, a, source, 2)

	resp := a.do(t, http.MethodGet, "/audit?actor="+a.caller, nil, RoleOperator)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var listed struct {
		Entries []auditView `json:"entries"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Entries) != 1 {
		t.Fatalf("expected 1 audit entry for actor, got %d", len(listed.Entries))
	}
	entry := listed.Entries[0]
	if entry.Action != "rule.create" {
		t.Fatalf("expected rule.create action, got %s", entry.Action)
	}
	if entry.Entity != "rule" || entry.EntityID == "" {
		t.Fatalf("expected rule entity with id, got %+v", entry)
	}
	if entry.Role != RoleOperator {
		t.Fatalf("expected operator role recorded, got %q", entry.Role)
	}

	resp = a.do(t, http.MethodGet, "/audit?actor="+a.caller+"&action=rule.delete", nil, RoleOperator)
	decodeBody(t, resp, &listed)
	if len(listed.Entries) != 0 {
		t.Fatalf("expected action filter to exclude creates, got %d", len(listed.Entries))
	}
}

func TestAuditQueryRejectsBadTimestamps(t *testing.T) {
	a := setupTestAPI(t)

	resp := a.do(t, http.MethodGet, "/audit?since=lastweek", nil, RoleOperator)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", resp.Code)
	}
	resp = a.do(t, http.MethodGet, "/audit?until=tomorrow", nil, RoleOperator)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad until, got %d", resp.Code)
	}
}
