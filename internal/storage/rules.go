package storage

import (
	"context"

	"github.com/google/uuid"
)

const ruleColumns = `id, name, enabled, event_type, source, severity, window_seconds, threshold, tenant_id, targets, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (RuleRecord, error) {
	var rec RuleRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Enabled, &rec.EventType, &rec.Source, &rec.Severity,
		&rec.WindowSeconds, &rec.Threshold, &rec.TenantID, &rec.Targets, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (r *Repository) CreateRule(ctx context.Context, rec RuleRecord) (string, error) {
	id := uuid.NewString()
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO alert_rules (id, name, enabled, event_type, source, severity, window_seconds, threshold, tenant_id, targets, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())`,
		id, rec.Name, rec.Enabled, rec.EventType, rec.Source, rec.Severity, rec.WindowSeconds, rec.Threshold, rec.TenantID, rec.Targets,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetRule(ctx context.Context, id string) (RuleRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id=$1`, id)
	rec, err := scanRule(row)
	if err != nil {
		return RuleRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *Repository) ListRules(ctx context.Context) ([]RuleRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []RuleRecord{}
	for rows.Next() {
		rec, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) ListEnabledRules(ctx context.Context) ([]RuleRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled = true ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []RuleRecord{}
	for rows.Next() {
		rec, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) UpdateRule(ctx context.Context, rec RuleRecord) error {
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE alert_rules
		SET name=$1, enabled=$2, event_type=$3, source=$4, severity=$5, window_seconds=$6, threshold=$7, tenant_id=$8, targets=$9, updated_at=now()
		WHERE id=$10`,
		rec.Name, rec.Enabled, rec.EventType, rec.Source, rec.Severity, rec.WindowSeconds, rec.Threshold, rec.TenantID, rec.Targets, rec.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.Store.Pool.Exec(ctx, `UPDATE alert_rules SET enabled=$1, updated_at=now() WHERE id=$2`, enabled, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM alert_rules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
