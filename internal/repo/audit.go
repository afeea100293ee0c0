package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"glow/internal/domain"
)

// AuditWriter appends to the audit trail. Rows are only ever inserted; there
// is no update or delete path.
type AuditWriter struct {
	Repo Repo
	Now  func() time.Time
}

type AuditPayload map[string]any

// Append writes one audit entry.
func (w AuditWriter) Append(ctx context.Context, evtType, actor, entity, entityID string, payload AuditPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = AuditPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = w.Repo.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,type,actor,entity,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, actor, entity, nullable(entityID), string(data))
	return err
}

type AuditFilters struct {
	Type   string
	Actor  string
	Limit  int
	Cursor int64
}

// ListAudit returns audit entries newest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,actor,entity,entity_id,payload_json FROM audit_log `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows.Next, rows.Scan, rows.Err)
}

// AuditAfter returns entries with IDs greater than cursor in ascending
// order; the webhook dispatcher pages through the trail with it.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,actor,entity,entity_id,payload_json FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows.Next, rows.Scan, rows.Err)
}

// LatestAuditID returns the most recent audit entry ID.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectAudit(next func() bool, scan func(...any) error, rowsErr func() error) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for next() {
		var e domain.AuditEntry
		var entityID *string
		if err := scan(&e.ID, &e.TS, &e.Type, &e.Actor, &e.Entity, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		if entityID != nil {
			e.EntityID = *entityID
		}
		res = append(res, e)
	}
	return res, rowsErr()
}
