package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type AuditFilter struct {
	Actor  string
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (r *Repository) InsertAudit(ctx context.Context, rec AuditRecord) error {
	detail := rec.Detail
	if len(detail) == 0 {
		detail = []byte(`{}`)
	}
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO audit_log (actor, role, action, entity, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())`,
		rec.Actor, rec.Role, rec.Action, rec.Entity, rec.EntityID, detail,
	)
	return err
}

func (r *Repository) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	where := []string{}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Actor != "" {
		add("actor=$%d", f.Actor)
	}
	if f.Action != "" {
		add("action=$%d", f.Action)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	query := `SELECT id, actor, role, action, entity, entity_id, detail, created_at FROM audit_log`
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
	results := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Role, &rec.Action, &rec.Entity, &rec.EntityID, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
