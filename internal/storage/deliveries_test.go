package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTestRepository(t *testing.T) (*Repository, func()) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	store, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	if _, err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repo := NewRepository(store)
	cleanup := func() {
		store.Close()
	}
	return repo, cleanup
}

func createTestDelivery(t *testing.T, repo *Repository, target string, nextAttemptAt time.Time) string {
	id, err := repo.CreateDelivery(context.Background(), DeliveryRecord{
		AlertEventID:  uuid.NewString(),
		TenantID:      "tenant-" + uuid.NewString(),
		Target:        target,
		Status:        DeliveryPending,
		AttemptCount:  0,
		MaxAttempts:   5,
		NextAttemptAt: nextAttemptAt,
	})
	if err != nil {
		t.Fatalf("failed to create delivery: %v", err)
	}
	return id
}

func claimedIDs(records []DeliveryRecord) map[string]bool {
	ids := map[string]bool{}
	for _, rec := range records {
		ids[rec.ID] = true
	}
	return ids
}

func TestClaimDueDeliveries(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	target := "https://hooks.example.com/" + uuid.NewString()
	dueID := createTestDelivery(t, repo, target, now.Add(-time.Minute))
	futureID := createTestDelivery(t, repo, target, now.Add(time.Hour))

	claimed, err := repo.ClaimDueDeliveries(ctx, now, time.Minute, 500)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	ids := claimedIDs(claimed)
	if !ids[dueID] {
		t.Fatalf("expected due delivery %s to be claimed", dueID)
	}
	if ids[futureID] {
		t.Fatalf("did not expect future delivery to be claimed")
	}

	again, err := repo.ClaimDueDeliveries(ctx, now, time.Minute, 500)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if claimedIDs(again)[dueID] {
		t.Fatalf("expected lease to hide delivery from second claim")
	}
}

func TestFinalizeAttemptTerminalGuard(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	target := "https://hooks.example.com/" + uuid.NewString()
	id := createTestDelivery(t, repo, target, now.Add(-time.Minute))

	rec, err := repo.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	rec.Status = DeliveryDelivered
	rec.AttemptCount = 1
	applied, err := repo.FinalizeAttempt(ctx, rec, now)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected finalize to apply")
	}

	rec.Status = DeliveryDeadLetter
	applied, err = repo.FinalizeAttempt(ctx, rec, now)
	if err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}
	if applied {
		t.Fatalf("expected terminal record to reject further transitions")
	}

	got, err := repo.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != DeliveryDelivered {
		t.Fatalf("expected delivered got %v", got.Status)
	}
}

func TestGetDeliveryNotFound(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	_, err := repo.GetDelivery(context.Background(), uuid.NewString())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestReplayStats(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	target := "https://hooks.example.com/" + uuid.NewString()
	original := createTestDelivery(t, repo, target, now)

	replayID, err := repo.CreateDelivery(ctx, DeliveryRecord{
		AlertEventID:  uuid.NewString(),
		TenantID:      "tenant",
		Target:        target,
		Status:        DeliveryPending,
		MaxAttempts:   5,
		NextAttemptAt: now,
		ReplayedFrom:  &original,
	})
	if err != nil {
		t.Fatalf("failed to create replay: %v", err)
	}
	rec, err := repo.GetDelivery(ctx, replayID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	rec.Status = DeliveryDelivered
	if _, err := repo.FinalizeAttempt(ctx, rec, now); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	total, delivered, err := repo.ReplayStats(ctx, target)
	if err != nil {
		t.Fatalf("replay stats failed: %v", err)
	}
	if total != 1 || delivered != 1 {
		t.Fatalf("expected 1/1 got %d/%d", total, delivered)
	}
}
