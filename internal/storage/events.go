package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type EventFilter struct {
	Type     string
	Source   string
	TenantID string
	Severity string
	Since    time.Time
	Limit    int
}

func (r *Repository) InsertEvent(ctx context.Context, rec EventRecord) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO events (id, event_type, source, severity, tenant_id, ts, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.Type, rec.Source, rec.Severity, rec.TenantID, rec.Timestamp, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Repository) GetEvent(ctx context.Context, id string) (EventRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, event_type, source, severity, tenant_id, ts, payload FROM events WHERE id=$1`, id)
	var rec EventRecord
	if err := row.Scan(&rec.ID, &rec.Type, &rec.Source, &rec.Severity, &rec.TenantID, &rec.Timestamp, &rec.Payload); err != nil {
		return EventRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *Repository) QueryEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	where := []string{}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("event_type=$%d", f.Type)
	}
	if f.Source != "" {
		add("source=$%d", f.Source)
	}
	if f.TenantID != "" {
		add("tenant_id=$%d", f.TenantID)
	}
	if f.Severity != "" {
		add("severity=$%d", f.Severity)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	query := `SELECT id, event_type, source, severity, tenant_id, ts, payload FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []EventRecord{}
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Source, &rec.Severity, &rec.TenantID, &rec.Timestamp, &rec.Payload); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) EventStats(ctx context.Context, since time.Time) (EventStats, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT severity, count(*) FROM events WHERE ts >= $1 GROUP BY severity`, since)
	if err != nil {
		return EventStats{}, err
	}
	defer rows.Close()
	stats := EventStats{BySeverity: map[string]int64{}}
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return EventStats{}, err
		}
		stats.BySeverity[severity] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (r *Repository) CountEventsMatching(ctx context.Context, rule RuleRecord, since time.Time) (int64, error) {
	where := []string{"ts >= $1"}
	args := []any{since}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if rule.EventType != nil {
		add("event_type=$%d", *rule.EventType)
	}
	if rule.Source != nil {
		add("source=$%d", *rule.Source)
	}
	if rule.Severity != nil {
		add("severity=$%d", *rule.Severity)
	}
	if rule.TenantID != nil {
		add("tenant_id=$%d", *rule.TenantID)
	}
	query := `SELECT count(*) FROM events WHERE ` + strings.Join(where, " AND ")
	var count int64
	if err := r.Store.Pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) LastAlertRaised(ctx context.Context, ruleID, tenantID string) (time.Time, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT ts FROM events
		WHERE event_type = 'ops.alert.raised' AND payload->>'rule_id' = $1 AND tenant_id = $2
		ORDER BY ts DESC LIMIT 1`, ruleID, tenantID)
	var ts time.Time
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, ErrNotFound
	}
	return ts, nil
}

func (r *Repository) PruneEventsByType(ctx context.Context, eventType string, before time.Time) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM events WHERE event_type=$1 AND ts < $2`, eventType, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) PruneEventsDefault(ctx context.Context, excludeTypes []string, before time.Time) (int64, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		DELETE FROM events WHERE ts < $1 AND NOT (event_type = ANY($2))`, before, excludeTypes)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
