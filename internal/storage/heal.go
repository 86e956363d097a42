package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type HealActionFilter struct {
	Endpoint string
	TenantID string
	Limit    int
}

func (r *Repository) InsertHealingAction(ctx context.Context, rec HealingActionRecord) (int64, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO healing_actions (tenant_id, endpoint, severity, strategy, spike_detected, failure_cluster,
			recent_count, baseline_count, recent_failures, baseline_failures, probability, executed, skip_reason, result_detail, dry_run, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		rec.TenantID, rec.Endpoint, rec.Severity, rec.Strategy, rec.SpikeDetected, rec.FailureCluster,
		rec.RecentCount, rec.BaselineCount, rec.RecentFailures, rec.BaselineFailures, rec.Probability,
		rec.Executed, rec.SkipReason, rec.ResultDetail, rec.DryRun, rec.CreatedAt,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

const healActionColumns = `id, tenant_id, endpoint, severity, strategy, spike_detected, failure_cluster,
	recent_count, baseline_count, recent_failures, baseline_failures, probability, executed, skip_reason, result_detail, dry_run, created_at`

func scanHealingAction(row interface{ Scan(...any) error }) (HealingActionRecord, error) {
	var rec HealingActionRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Endpoint, &rec.Severity, &rec.Strategy, &rec.SpikeDetected,
		&rec.FailureCluster, &rec.RecentCount, &rec.BaselineCount, &rec.RecentFailures, &rec.BaselineFailures,
		&rec.Probability, &rec.Executed, &rec.SkipReason, &rec.ResultDetail, &rec.DryRun, &rec.CreatedAt)
	return rec, err
}

func (r *Repository) ListHealingActions(ctx context.Context, f HealActionFilter) ([]HealingActionRecord, error) {
	where := []string{}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Endpoint != "" {
		add("endpoint=$%d", f.Endpoint)
	}
	if f.TenantID != "" {
		add("tenant_id=$%d", f.TenantID)
	}
	query := `SELECT ` + healActionColumns + ` FROM healing_actions`
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
	results := []HealingActionRecord{}
	for rows.Next() {
		rec, err := scanHealingAction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) LastHealingAction(ctx context.Context) (HealingActionRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+healActionColumns+` FROM healing_actions ORDER BY created_at DESC, id DESC LIMIT 1`)
	rec, err := scanHealingAction(row)
	if err != nil {
		return HealingActionRecord{}, ErrNotFound
	}
	return rec, nil
}

// CountExecutedActionsSince meters real interventions for the volume caps.
// Deferrals and dry runs do not consume cap budget.
func (r *Repository) CountExecutedActionsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.Store.Pool.QueryRow(ctx, `
		SELECT count(*) FROM healing_actions
		WHERE executed = true AND dry_run = false AND strategy <> 'DEFER_AND_MONITOR' AND created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) GetHealState(ctx context.Context, tenantID, endpoint string) (HealStateRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT tenant_id, endpoint, last_heal_at, consecutive_deferrals, silenced_until, throttled_until, updated_at
		FROM heal_state WHERE tenant_id=$1 AND endpoint=$2`, tenantID, endpoint)
	var rec HealStateRecord
	if err := row.Scan(&rec.TenantID, &rec.Endpoint, &rec.LastHealAt, &rec.ConsecutiveDeferrals,
		&rec.SilencedUntil, &rec.ThrottledUntil, &rec.UpdatedAt); err != nil {
		return HealStateRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *Repository) UpsertHealState(ctx context.Context, rec HealStateRecord) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO heal_state (tenant_id, endpoint, last_heal_at, consecutive_deferrals, silenced_until, throttled_until, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, endpoint) DO UPDATE
		SET last_heal_at=$3, consecutive_deferrals=$4, silenced_until=$5, throttled_until=$6, updated_at=$7`,
		rec.TenantID, rec.Endpoint, rec.LastHealAt, rec.ConsecutiveDeferrals, rec.SilencedUntil, rec.ThrottledUntil, rec.UpdatedAt,
	)
	return err
}

func (r *Repository) ClearHealState(ctx context.Context, tenantID, endpoint string) error {
	_, err := r.Store.Pool.Exec(ctx, `DELETE FROM heal_state WHERE tenant_id=$1 AND endpoint=$2`, tenantID, endpoint)
	return err
}
