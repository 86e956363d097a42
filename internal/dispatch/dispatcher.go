package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
	"opspulse-backend/internal/metrics"
	"opspulse-backend/internal/storage"
	"opspulse-backend/internal/triage"
)

var (
	ErrAlreadyDelivered = errors.New("delivery already delivered")
	ErrNotReplayable    = errors.New("delivery missing replay fields")
)

// Dispatcher owns delivery state: it creates records for fired alerts, sweeps
// due ones on a schedule, posts them to their targets from a worker pool, and
// applies the retry/dead-letter transitions.
type Dispatcher struct {
	repo   *storage.Repository
	pub    *event.Publisher
	cfg    func() *config.Config
	log    *slog.Logger
	client *http.Client
	queue  chan storage.DeliveryRecord
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDispatcher(repo *storage.Repository, pub *event.Publisher, cfg func() *config.Config, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		pub:    pub,
		cfg:    cfg,
		log:    log,
		client: &http.Client{},
		queue:  make(chan storage.DeliveryRecord, 128),
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue creates one pending record per target, due immediately. Returns the
// ids created so far even when a later insert fails.
func (d *Dispatcher) Enqueue(ctx context.Context, alertEventID, tenantID string, targets []string) ([]string, error) {
	now := d.now().UTC()
	maxAttempts := d.cfg().Dispatch.MaxAttempts
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		id, err := d.repo.CreateDelivery(ctx, storage.DeliveryRecord{
			AlertEventID:  alertEventID,
			TenantID:      tenantID,
			Target:        target,
			Status:        storage.DeliveryPending,
			MaxAttempts:   maxAttempts,
			NextAttemptAt: now,
		})
		if err != nil {
			return ids, fmt.Errorf("create delivery for %s: %w", target, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Replay enqueues a fresh record for the original's target with the attempt
// counter reset. A still-active original is terminated first so its scheduled
// retry no-ops; a delivered original is rejected with ErrAlreadyDelivered.
func (d *Dispatcher) Replay(ctx context.Context, deliveryID string) (string, error) {
	orig, err := d.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return "", err
	}
	if orig.Status == storage.DeliveryDelivered {
		return "", ErrAlreadyDelivered
	}
	if orig.Target == "" || orig.AlertEventID == "" {
		return "", ErrNotReplayable
	}

	now := d.now().UTC()
	if orig.Status != storage.DeliveryDeadLetter {
		ok, err := d.repo.SupersedeDelivery(ctx, orig.ID, now)
		if err != nil {
			return "", fmt.Errorf("supersede delivery: %w", err)
		}
		if !ok {
			cur, err := d.repo.GetDelivery(ctx, orig.ID)
			if err == nil && cur.Status == storage.DeliveryDelivered {
				return "", ErrAlreadyDelivered
			}
		}
	}

	id, err := d.repo.CreateDelivery(ctx, storage.DeliveryRecord{
		AlertEventID:  orig.AlertEventID,
		TenantID:      orig.TenantID,
		Target:        orig.Target,
		Status:        storage.DeliveryPending,
		MaxAttempts:   d.cfg().Dispatch.MaxAttempts,
		NextAttemptAt: now,
		ReplayedFrom:  &orig.ID,
	})
	if err != nil {
		return "", err
	}
	metrics.DeliveriesReplayed.Inc()
	d.log.Info("delivery replayed", "delivery_id", id, "replayed_from", orig.ID, "target", orig.Target)
	return id, nil
}

// Run sweeps due deliveries on the configured interval and feeds them to the
// worker pool. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	workers := d.cfg().Dispatch.Workers
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}

	ticker := time.NewTicker(d.cfg().Dispatch.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep claims one batch of due deliveries and queues them for attempt. The
// claim pushes next_attempt_at forward by the lease so a concurrent sweep
// cannot pick up the same records.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	cfg := d.cfg().Dispatch
	due, err := d.repo.ClaimDueDeliveries(ctx, d.now().UTC(), cfg.ClaimLease(), cfg.ClaimLimit)
	if err != nil {
		d.log.Error("delivery sweep failed", "error", err)
		return 0
	}
	for _, rec := range due {
		select {
		case d.queue <- rec:
		case <-ctx.Done():
			return len(due)
		}
	}
	return len(due)
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case rec := <-d.queue:
			d.Attempt(ctx, rec)
		case <-ctx.Done():
			return
		}
	}
}

// Attempt posts one claimed delivery to its target and finalizes the outcome.
// The status-guarded update means an attempt whose record was superseded or
// replayed mid-flight writes nothing.
func (d *Dispatcher) Attempt(ctx context.Context, rec storage.DeliveryRecord) {
	cfg := d.cfg().Dispatch
	code, attemptErr := d.deliver(ctx, rec, cfg.Timeout())
	now := d.now().UTC()

	rec.AttemptCount++
	rec.LastStatusCode = code
	if attemptErr == nil {
		rec.Status = storage.DeliveryDelivered
		rec.LastError = ""
		rec.NextAttemptAt = now
		metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
	} else {
		rec.LastError = attemptErr.Error()
		tri := triage.Classify(rec)
		rec.TriageLabel = tri.Label
		rec.TriageScore = tri.Score
		rec.TriageReason = tri.Reason
		if rec.AttemptCount >= rec.MaxAttempts {
			rec.Status = storage.DeliveryDeadLetter
			rec.NextAttemptAt = now
			metrics.DeliveryAttempts.WithLabelValues("dead_letter").Inc()
		} else {
			rec.Status = storage.DeliveryFailed
			rec.NextAttemptAt = now.Add(d.nextDelay(rec.AttemptCount, cfg))
			metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
		}
	}

	updated, err := d.repo.FinalizeAttempt(ctx, rec, now)
	if err != nil {
		d.log.Error("delivery finalize failed", "delivery_id", rec.ID, "error", err)
		return
	}
	if !updated {
		d.log.Info("delivery attempt superseded, dropping result", "delivery_id", rec.ID)
		return
	}
	if attemptErr != nil {
		d.log.Warn("delivery attempt failed",
			"delivery_id", rec.ID, "target", rec.Target, "attempt", rec.AttemptCount,
			"status", rec.Status, "error", attemptErr)
	}
	if rec.Status == storage.DeliveryDeadLetter {
		d.emitDeadLetter(ctx, rec)
	}
}

func (d *Dispatcher) nextDelay(attempt int, cfg config.DispatchConfig) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return NextDelay(attempt, cfg, d.rng)
}

func (d *Dispatcher) deliver(ctx context.Context, rec storage.DeliveryRecord, timeout time.Duration) (int, error) {
	body, err := d.buildBody(ctx, rec)
	if err != nil {
		return 0, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rec.Target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// buildBody wraps the alert event for the webhook consumer. A pruned event is
// not fatal: the ids still identify the alert on the consumer side.
func (d *Dispatcher) buildBody(ctx context.Context, rec storage.DeliveryRecord) ([]byte, error) {
	payload := map[string]any{
		"delivery_id":    rec.ID,
		"alert_event_id": rec.AlertEventID,
		"tenant_id":      rec.TenantID,
		"attempt":        rec.AttemptCount + 1,
	}
	if ev, err := d.repo.GetEvent(ctx, rec.AlertEventID); err == nil {
		payload["event"] = map[string]any{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"source":     ev.Source,
			"severity":   ev.Severity,
			"tenant_id":  ev.TenantID,
			"timestamp":  ev.Timestamp,
			"payload":    json.RawMessage(ev.Payload),
		}
	} else {
		payload["event"] = nil
	}
	return json.Marshal(payload)
}

func (d *Dispatcher) emitDeadLetter(ctx context.Context, rec storage.DeliveryRecord) {
	_, err := d.pub.Publish(ctx, event.Event{
		Type:     event.TypeDeliveryFailed,
		Source:   "dispatcher",
		Severity: event.SeverityError,
		TenantID: rec.TenantID,
		Payload: map[string]any{
			"delivery_id":    rec.ID,
			"target":         rec.Target,
			"alert_event_id": rec.AlertEventID,
			"attempts":       rec.AttemptCount,
			"last_error":     rec.LastError,
			"triage_label":   rec.TriageLabel,
		},
	})
	if err != nil {
		d.log.Error("dead letter event rejected", "delivery_id", rec.ID, "error", err)
	}
}
