package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
	"opspulse-backend/internal/storage"
)

type fakeEnqueuer struct {
	calls   int
	lastIDs []string
	targets []string
	fail    bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, alertEventID, tenantID string, targets []string) ([]string, error) {
	f.calls++
	f.targets = targets
	if f.fail {
		return nil, errors.New("enqueue down")
	}
	ids := make([]string, 0, len(targets))
	for range targets {
		ids = append(ids, uuid.NewString())
	}
	f.lastIDs = ids
	return ids, nil
}

func setupTestEngine(t *testing.T) (*Engine, *storage.Repository, *fakeEnqueuer, func()) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	store, err := storage.NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	if _, err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repo := storage.NewRepository(store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := event.NewPublisher(repo, nil, event.NewSchemaRegistry(), log)
	enq := &fakeEnqueuer{}
	eng := NewEngine(repo, pub, enq, config.Default, log)
	return eng, repo, enq, func() { store.Close() }
}

func createEngineRule(t *testing.T, repo *storage.Repository, tenant string, threshold int) storage.RuleRecord {
	source := "edge-" + uuid.NewString()
	rule := storage.RuleRecord{
		Name:          "burst " + source,
		Enabled:       true,
		Source:        &source,
		WindowSeconds: 300,
		Threshold:     threshold,
		Targets:       []string{"https://hooks.example.com/" + uuid.NewString()},
	}
	if tenant != "" {
		rule.TenantID = &tenant
	}
	id, err := repo.CreateRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	created, err := repo.GetRule(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	return created
}

func insertMatchingEvents(t *testing.T, repo *storage.Repository, rule storage.RuleRecord, n int) {
	tenant := ""
	if rule.TenantID != nil {
		tenant = *rule.TenantID
	}
	for i := 0; i < n; i++ {
		err := repo.InsertEvent(context.Background(), storage.EventRecord{
			ID:        uuid.NewString(),
			Type:      "deploy.failed",
			Source:    *rule.Source,
			Severity:  "error",
			TenantID:  tenant,
			Timestamp: time.Now().UTC(),
			Payload:   []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}
}

func TestEvaluateFiresAtThreshold(t *testing.T) {
	eng, repo, enq, cleanup := setupTestEngine(t)
	defer cleanup()

	rule := createEngineRule(t, repo, "acme-"+uuid.NewString(), 3)
	insertMatchingEvents(t, repo, rule, 3)

	out, err := eng.Evaluate(context.Background(), rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Fired {
		t.Fatalf("expected rule to fire, got %+v", out)
	}
	if out.Matched != 3 {
		t.Fatalf("expected 3 matched got %d", out.Matched)
	}
	if out.AlertEventID == "" {
		t.Fatalf("expected alert event id")
	}
	if enq.calls != 1 || len(enq.targets) != 1 {
		t.Fatalf("expected one enqueue for one target, got %d calls %v", enq.calls, enq.targets)
	}
	if len(out.DeliveryIDs) != 1 {
		t.Fatalf("expected one delivery id got %v", out.DeliveryIDs)
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	eng, repo, enq, cleanup := setupTestEngine(t)
	defer cleanup()

	rule := createEngineRule(t, repo, "", 5)
	insertMatchingEvents(t, repo, rule, 4)

	out, err := eng.Evaluate(context.Background(), rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Fired || out.Deduped {
		t.Fatalf("expected quiet outcome got %+v", out)
	}
	if enq.calls != 0 {
		t.Fatalf("expected no enqueue got %d", enq.calls)
	}
}

func TestEvaluateDedupsSecondFire(t *testing.T) {
	eng, repo, enq, cleanup := setupTestEngine(t)
	defer cleanup()

	rule := createEngineRule(t, repo, "acme-"+uuid.NewString(), 2)
	insertMatchingEvents(t, repo, rule, 2)

	first, err := eng.Evaluate(context.Background(), rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Fired {
		t.Fatalf("expected first evaluation to fire got %+v", first)
	}

	second, err := eng.Evaluate(context.Background(), rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Fired {
		t.Fatalf("expected second evaluation suppressed got %+v", second)
	}
	if !second.Deduped {
		t.Fatalf("expected dedup flag got %+v", second)
	}
	if enq.calls != 1 {
		t.Fatalf("expected a single enqueue got %d", enq.calls)
	}
}

func TestEvaluateEnqueueFailureKeepsAlert(t *testing.T) {
	eng, repo, enq, cleanup := setupTestEngine(t)
	defer cleanup()
	enq.fail = true

	rule := createEngineRule(t, repo, "", 1)
	insertMatchingEvents(t, repo, rule, 1)

	out, err := eng.Evaluate(context.Background(), rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Fired || out.AlertEventID == "" {
		t.Fatalf("expected fired alert got %+v", out)
	}
	if len(out.DeliveryIDs) != 0 {
		t.Fatalf("expected no delivery ids got %v", out.DeliveryIDs)
	}
}

func TestEvaluateByIDMissing(t *testing.T) {
	eng, _, _, cleanup := setupTestEngine(t)
	defer cleanup()

	if _, err := eng.EvaluateByID(context.Background(), uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestRunCycleCounts(t *testing.T) {
	eng, repo, _, cleanup := setupTestEngine(t)
	defer cleanup()

	hot := createEngineRule(t, repo, "acme-"+uuid.NewString(), 1)
	insertMatchingEvents(t, repo, hot, 1)
	createEngineRule(t, repo, "acme-"+uuid.NewString(), 50)

	stats := eng.RunCycle(context.Background())
	if stats.Evaluated < 2 {
		t.Fatalf("expected at least 2 evaluated got %+v", stats)
	}
	if stats.Fired < 1 {
		t.Fatalf("expected at least 1 fired got %+v", stats)
	}
	if stats.Errors != 0 {
		t.Fatalf("expected no errors got %+v", stats)
	}
}
