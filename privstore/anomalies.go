package privstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/leakwatch/dbopen"
	"github.com/hazyhaar/leakwatch/indicator"
)

// AppendAnomaly persists rec. Records are append-only and keyed by ID;
// appending an ID that already exists is a no-op. inserted reports whether
// a row was written.
func (s *Store) AppendAnomaly(ctx context.Context, rec indicator.AnomalyRecord) (inserted bool, err error) {
	if rec.ID == "" || rec.RunID == "" || rec.Subject == "" || rec.Type == "" {
		return false, fmt.Errorf("privstore: append anomaly: id, run, subject and type are required")
	}
	if rec.Contribution < 0 || rec.Contribution > 100 {
		return false, fmt.Errorf("privstore: append anomaly: contribution %d out of [0,100]", rec.Contribution)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	var n int64
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO anomalies (id, run_id, row_num, subject, type, contribution, metric, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
			rec.ID, rec.RunID, rec.Row, rec.Subject, string(rec.Type), rec.Contribution, rec.Metric, millis(created))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, storageErr("append anomaly", err)
	}
	return n > 0, nil
}

// ResolveAnomaly marks an anomaly resolved. Resolving twice keeps the first
// resolution time. Unknown IDs return ErrNotFound.
func (s *Store) ResolveAnomaly(ctx context.Context, id string) (indicator.AnomalyRecord, error) {
	now := millis(s.now())
	var rec indicator.AnomalyRecord
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE anomalies SET resolved = 1, resolved_at = COALESCE(resolved_at, ?)
WHERE id = ?`, now, id); err != nil {
			return err
		}
		var err error
		rec, err = scanAnomaly(tx.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, storageErr("resolve anomaly", err)
	}
	return rec, nil
}

// AnomalyFilter narrows ListAnomalies. Zero values match everything.
type AnomalyFilter struct {
	RunID          string
	Subject        string
	Type           indicator.AnomalyType
	UnresolvedOnly bool
	Limit          int
}

const anomalyColumns = `id, run_id, row_num, subject, type, contribution, metric, resolved, created_at, resolved_at`

func scanAnomaly(r rowScanner) (indicator.AnomalyRecord, error) {
	var (
		rec      indicator.AnomalyRecord
		typ      string
		resolved int
		created  int64
		resolvAt sql.NullInt64
	)
	if err := r.Scan(&rec.ID, &rec.RunID, &rec.Row, &rec.Subject, &typ, &rec.Contribution,
		&rec.Metric, &resolved, &created, &resolvAt); err != nil {
		return rec, err
	}
	rec.Type = indicator.AnomalyType(typ)
	rec.Resolved = resolved != 0
	rec.CreatedAt = fromMillis(created)
	if resolvAt.Valid {
		rec.ResolvedAt = fromMillis(resolvAt.Int64)
	}
	return rec, nil
}

// ListAnomalies returns anomalies matching f, oldest first.
func (s *Store) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]indicator.AnomalyRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved = 0")
	}
	q := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, row_num, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list anomalies", err)
	}
	defer rows.Close()
	var out []indicator.AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, storageErr("list anomalies", err)
		}
		out = append(out, rec)
	}
	return out, storageErr("list anomalies", rows.Err())
}
