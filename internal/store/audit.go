package store

import (
	"context"
	"database/sql"
)

// AuditRow is one persisted audit entry. Details carries pre-marshalled
// JSON so the store stays agnostic of event shapes.
type AuditRow struct {
	ID        string
	Timestamp int64
	EventType string
	Severity  string
	ServerID  string
	Details   string
}

// AppendAudit inserts one audit row. The table is append-only; nothing
// updates or deletes individual rows outside retention pruning.
func (s *Store) AppendAudit(ctx context.Context, row *AuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, event_type, severity, server_id, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.Timestamp, row.EventType, row.Severity,
		nullString(row.ServerID), nullString(row.Details))
	if err != nil {
		return wrapStore("append-audit", err)
	}
	return nil
}

// ListAudit returns rows at or after sinceMillis, oldest first, up to limit.
func (s *Store) ListAudit(ctx context.Context, sinceMillis int64, limit int) ([]*AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event_type, severity, server_id, details
		FROM audit_log WHERE ts >= ? ORDER BY ts LIMIT ?`,
		sinceMillis, limit)
	if err != nil {
		return nil, wrapStore("list-audit", err)
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		var r AuditRow
		var serverID, details sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.EventType, &r.Severity,
			&serverID, &details); err != nil {
			return nil, wrapStore("list-audit", err)
		}
		r.ServerID = fromNull(serverID)
		r.Details = fromNull(details)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneAudit removes rows older than the cutoff, returning the count.
func (s *Store) PruneAudit(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE ts < ?`, cutoffMillis)
	if err != nil {
		return 0, wrapStore("prune-audit", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
