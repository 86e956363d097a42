package storage

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id uuid PRIMARY KEY,
		event_type text NOT NULL,
		source text NOT NULL,
		severity text NOT NULL,
		tenant_id text NOT NULL DEFAULT '',
		ts timestamptz NOT NULL,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb
	);
	CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(event_type, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events(tenant_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_alert_rule ON events((payload->>'rule_id'), ts DESC) WHERE event_type = 'ops.alert.raised';`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		enabled boolean NOT NULL DEFAULT true,
		event_type text,
		source text,
		severity text,
		window_seconds int NOT NULL,
		threshold int NOT NULL,
		tenant_id text,
		targets text[] NOT NULL DEFAULT '{}',
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS deliveries (
		id uuid PRIMARY KEY,
		alert_event_id uuid NOT NULL,
		tenant_id text NOT NULL DEFAULT '',
		target text NOT NULL,
		status text NOT NULL DEFAULT 'pending',
		attempt_count int NOT NULL DEFAULT 0,
		max_attempts int NOT NULL,
		next_attempt_at timestamptz NOT NULL,
		last_error text NOT NULL DEFAULT '',
		last_status_code int NOT NULL DEFAULT 0,
		triage_label text NOT NULL DEFAULT '',
		triage_score int NOT NULL DEFAULT 0,
		triage_reason text NOT NULL DEFAULT '',
		replayed_from uuid,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(next_attempt_at) WHERE status IN ('pending','failed');
	CREATE INDEX IF NOT EXISTS idx_deliveries_target_created ON deliveries(target, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_deliveries_tenant ON deliveries(tenant_id, created_at DESC);`,

	`CREATE TABLE IF NOT EXISTS healing_actions (
		id bigserial PRIMARY KEY,
		tenant_id text NOT NULL DEFAULT '',
		endpoint text NOT NULL,
		severity text NOT NULL,
		strategy text NOT NULL,
		spike_detected boolean NOT NULL DEFAULT false,
		failure_cluster boolean NOT NULL DEFAULT false,
		recent_count int NOT NULL DEFAULT 0,
		baseline_count int NOT NULL DEFAULT 0,
		recent_failures int NOT NULL DEFAULT 0,
		baseline_failures int NOT NULL DEFAULT 0,
		probability double precision NOT NULL DEFAULT 0,
		executed boolean NOT NULL DEFAULT false,
		skip_reason text NOT NULL DEFAULT '',
		result_detail text NOT NULL DEFAULT '',
		dry_run boolean NOT NULL DEFAULT false,
		created_at timestamptz NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_healing_endpoint_created ON healing_actions(endpoint, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_healing_created ON healing_actions(created_at DESC);`,

	`CREATE TABLE IF NOT EXISTS heal_state (
		tenant_id text NOT NULL DEFAULT '',
		endpoint text NOT NULL,
		last_heal_at timestamptz,
		consecutive_deferrals int NOT NULL DEFAULT 0,
		silenced_until timestamptz,
		throttled_until timestamptz,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, endpoint)
	);`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id bigserial PRIMARY KEY,
		actor text NOT NULL,
		role text NOT NULL DEFAULT '',
		action text NOT NULL,
		entity text NOT NULL DEFAULT '',
		entity_id text NOT NULL DEFAULT '',
		detail jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor_created ON audit_log(actor, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);`,
}

func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version int NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := s.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	applied := 0
	for i := current; i < len(migrations); i++ {
		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			return applied, err
		}
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i+1); err != nil {
			tx.Rollback(ctx)
			return applied, fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
