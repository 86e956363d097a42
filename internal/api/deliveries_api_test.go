package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"opspulse-backend/internal/storage"
)

func seedDelivery(t *testing.T, a *apiHarness, tenant, target, status string) string {
	t.Helper()
	id, err := a.repo.CreateDelivery(context.Background(), storage.DeliveryRecord{
		AlertEventID:  uuid.NewString(),
		TenantID:      tenant,
		Target:        target,
		Status:        storage.DeliveryPending,
		MaxAttempts:   5,
		NextAttemptAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create delivery: %v", err)
	}
	if status == storage.DeliveryPending {
		return id
	}
	rec, err := a.repo.GetDelivery(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load delivery: %v", err)
	}
	rec.Status = status
	rec.AttemptCount = 1
	if status == storage.DeliveryFailed {
		rec.LastStatusCode = 503
		rec.LastError = "target returned status 503"
	}
	if _, err := a.repo.FinalizeAttempt(context.Background(), rec, time.Now()); err != nil {
		t.Fatalf("failed to finalize delivery: %v", err)
	}
	return id
}

func TestDeliveryListAndGet(t *testing.T) {
	a := setupTestAPI(t)
	tenant := uuid.NewString()
	target := "https://hooks.example.com/" + uuid.NewString()
	id := seedDelivery(t, a, tenant, target, storage.DeliveryFailed)

	resp := a.do(t, http.MethodGet, "/deliveries?tenant="+tenant, nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var listed struct {
		Deliveries []deliveryView `json:"deliveries"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Deliveries) != 1 {
		t.Fatalf("expected 1 delivery for tenant, got %d", len(listed.Deliveries))
	}
	if listed.Deliveries[0].DeliveryID != id {
		t.Fatalf("expected delivery %s, got %s", id, listed.Deliveries[0].DeliveryID)
	}

	resp = a.do(t, http.MethodGet, "/deliveries?tenant="+tenant+"&status=delivered", nil, "")
	decodeBody(t, resp, &listed)
	if len(listed.Deliveries) != 0 {
		t.Fatalf("expected status filter to exclude failed delivery, got %d", len(listed.Deliveries))
	}

	resp = a.do(t, http.MethodGet, "/deliveries/"+id, nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var fetched struct {
		Delivery deliveryView `json:"delivery"`
	}
	decodeBody(t, resp, &fetched)
	if fetched.Delivery.Status != storage.DeliveryFailed {
		t.Fatalf("expected failed status, got %s", fetched.Delivery.Status)
	}
	if fetched.Delivery.LastStatusCode != 503 {
		t.Fatalf("expected last status 503, got %d", fetched.Delivery.LastStatusCode)
	}

	resp = a.do(t, http.MethodGet, "/deliveries/"+uuid.NewString(), nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown delivery, got %d", resp.Code)
	}
}

func TestDeliveryReplay(t *testing.T) {
	a := setupTestAPI(t)
	tenant := uuid.NewString()
	target := "https://hooks.example.com/" + uuid.NewString()
	id := seedDelivery(t, a, tenant, target, storage.DeliveryFailed)

	resp := a.do(t, http.MethodPost, "/deliveries/"+id+"/replay", nil, RoleOperator)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		Ok         bool   `json:"ok"`
		DeliveryID string `json:"delivery_id"`
	}
	decodeBody(t, resp, &out)
	if out.DeliveryID == "" || out.DeliveryID == id {
		t.Fatalf("expected fresh delivery id, got %q", out.DeliveryID)
	}

	replayed, err := a.repo.GetDelivery(context.Background(), out.DeliveryID)
	if err != nil {
		t.Fatalf("failed to load replayed delivery: %v", err)
	}
	if replayed.ReplayedFrom == nil || *replayed.ReplayedFrom != id {
		t.Fatalf("expected replayed_from to point at original")
	}
	if replayed.Status != storage.DeliveryPending {
		t.Fatalf("expected replay to start pending, got %s", replayed.Status)
	}
}

func TestDeliveryReplayRejections(t *testing.T) {
	a := setupTestAPI(t)
	tenant := uuid.NewString()

	resp := a.do(t, http.MethodPost, "/deliveries/"+uuid.NewString()+"/replay", nil, RoleOperator)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown delivery, got %d", resp.Code)
	}

	delivered := seedDelivery(t, a, tenant, "https://hooks.example.com/"+uuid.NewString(), storage.DeliveryDelivered)
	resp = a.do(t, http.MethodPost, "/deliveries/"+delivered+"/replay", nil, RoleOperator)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for delivered delivery, got %d: %s", resp.Code, resp.Body.String())
	}
	var conflict errorResponse
	decodeBody(t, resp, &conflict)
	if conflict.Code != "ALREADY_DELIVERED" {
		t.Fatalf("expected ALREADY_DELIVERED, got %q", conflict.Code)
	}

	bare := seedDelivery(t, a, tenant, "", storage.DeliveryFailed)
	resp = a.do(t, http.MethodPost, "/deliveries/"+bare+"/replay", nil, RoleOperator)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing target, got %d", resp.Code)
	}
	var rejected errorResponse
	decodeBody(t, resp, &rejected)
	if rejected.Code != "NOT_REPLAYABLE" {
		t.Fatalf("expected NOT_REPLAYABLE, got %q", rejected.Code)
	}
}

func TestDeliveryBulkReplay(t *testing.T) {
	a := setupTestAPI(t)
	tenant := uuid.NewString()
	good := seedDelivery(t, a, tenant, "https://hooks.example.com/"+uuid.NewString(), storage.DeliveryFailed)
	missing := uuid.NewString()

	resp := a.do(t, http.MethodPost, "/deliveries/replay", map[string]any{
		"ids": []string{good, missing},
	}, RoleOperator)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var out struct {
		Ok      bool           `json:"ok"`
		Results []replayResult `json:"results"`
	}
	decodeBody(t, resp, &out)
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out.Results))
	}
	if !out.Results[0].Ok || out.Results[0].NewDeliveryID == "" {
		t.Fatalf("expected first replay to succeed, got %+v", out.Results[0])
	}
	if out.Results[1].Ok || out.Results[1].Error != "not found" {
		t.Fatalf("expected second replay to fail with not found, got %+v", out.Results[1])
	}

	resp = a.do(t, http.MethodPost, "/deliveries/replay", map[string]any{"ids": []string{}}, RoleOperator)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ids, got %d", resp.Code)
	}
}
