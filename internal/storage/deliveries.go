package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const deliveryColumns = `id, alert_event_id, tenant_id, target, status, attempt_count, max_attempts, next_attempt_at,
	last_error, last_status_code, triage_label, triage_score, triage_reason, replayed_from, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (DeliveryRecord, error) {
	var rec DeliveryRecord
	err := row.Scan(&rec.ID, &rec.AlertEventID, &rec.TenantID, &rec.Target, &rec.Status, &rec.AttemptCount,
		&rec.MaxAttempts, &rec.NextAttemptAt, &rec.LastError, &rec.LastStatusCode, &rec.TriageLabel,
		&rec.TriageScore, &rec.TriageReason, &rec.ReplayedFrom, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

type DeliveryFilter struct {
	Status   string
	TenantID string
	Target   string
	Limit    int
}

func (r *Repository) CreateDelivery(ctx context.Context, rec DeliveryRecord) (string, error) {
	id := uuid.NewString()
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO deliveries (id, alert_event_id, tenant_id, target, status, attempt_count, max_attempts, next_attempt_at, replayed_from, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())`,
		id, rec.AlertEventID, rec.TenantID, rec.Target, rec.Status, rec.AttemptCount, rec.MaxAttempts, rec.NextAttemptAt, rec.ReplayedFrom,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetDelivery(ctx context.Context, id string) (DeliveryRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id=$1`, id)
	rec, err := scanDelivery(row)
	if err != nil {
		return DeliveryRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *Repository) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]DeliveryRecord, error) {
	where := []string{}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.TenantID != "" {
		add("tenant_id=$%d", f.TenantID)
	}
	if f.Target != "" {
		add("target=$%d", f.Target)
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// ClaimDueDeliveries atomically takes ownership of due records by pushing
// next_attempt_at forward by the lease. A concurrent sweep cannot claim the
// same rows; a crashed worker's claims resurface once the lease expires.
func (r *Repository) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DeliveryRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		UPDATE deliveries SET next_attempt_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE status IN ('pending','failed') AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// FinalizeAttempt writes the outcome of one delivery attempt. The status guard
// makes a stale attempt a no-op when the record reached a terminal state in
// the meantime.
func (r *Repository) FinalizeAttempt(ctx context.Context, rec DeliveryRecord, now time.Time) (bool, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE deliveries
		SET status=$2, attempt_count=$3, next_attempt_at=$4, last_error=$5, last_status_code=$6,
			triage_label=$7, triage_score=$8, triage_reason=$9, updated_at=$10
		WHERE id=$1 AND status IN ('pending','failed')`,
		rec.ID, rec.Status, rec.AttemptCount, rec.NextAttemptAt, rec.LastError, rec.LastStatusCode,
		rec.TriageLabel, rec.TriageScore, rec.TriageReason, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SupersedeDelivery terminates a still-active record so its scheduled retry
// becomes a no-op. Returns false when the record already reached a terminal
// status, so callers can distinguish a lost race.
func (r *Repository) SupersedeDelivery(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE deliveries
		SET status='dead_letter', last_error='superseded by replay', updated_at=$2
		WHERE id=$1 AND status IN ('pending','failed')`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeliverySamples(ctx context.Context, since time.Time) ([]DeliverySample, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT tenant_id, target, created_at, status IN ('failed','dead_letter')
		FROM deliveries WHERE created_at >= $1`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []DeliverySample{}
	for rows.Next() {
		var s DeliverySample
		if err := rows.Scan(&s.TenantID, &s.Target, &s.CreatedAt, &s.Failed); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

func (r *Repository) FailedDeliveries(ctx context.Context, tenantID, target string, since time.Time, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE status IN ('failed','dead_letter') AND tenant_id=$1 AND target=$2 AND updated_at >= $3
		ORDER BY updated_at DESC LIMIT $4`,
		tenantID, target, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) ReplayStats(ctx context.Context, target string) (total, delivered int64, err error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status='delivered')
		FROM deliveries WHERE replayed_from IS NOT NULL AND target=$1`, target)
	if err := row.Scan(&total, &delivered); err != nil {
		return 0, 0, err
	}
	return total, delivered, nil
}
