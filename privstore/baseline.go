package privstore

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/leakwatch/dbopen"
)

// BaselineRow is one persisted accumulator of the anomaly baseline. Count
// is always meaningful; Mean and M2 are the Welford state and stay zero for
// frequency-only kinds.
type BaselineRow struct {
	Kind  string
	Key   string
	Count int64
	Mean  float64
	M2    float64
}

// LoadBaseline returns every baseline row ordered by kind and key.
func (s *Store) LoadBaseline(ctx context.Context) ([]BaselineRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, key, count, mean, m2 FROM baseline ORDER BY kind, key`)
	if err != nil {
		return nil, storageErr("load baseline", err)
	}
	defer rows.Close()
	var out []BaselineRow
	for rows.Next() {
		var r BaselineRow
		if err := rows.Scan(&r.Kind, &r.Key, &r.Count, &r.Mean, &r.M2); err != nil {
			return nil, storageErr("load baseline", err)
		}
		out = append(out, r)
	}
	return out, storageErr("load baseline", rows.Err())
}

// baselineCombine folds excluded into an existing baseline row: counts add
// and Welford states combine (Chan et al.). Shared by MergeBaseline and
// Import.
const baselineCombine = `
ON CONFLICT(kind, key) DO UPDATE SET
    count = count + excluded.count,
    mean  = CASE WHEN count + excluded.count = 0 THEN 0
                 ELSE (mean * count + excluded.mean * excluded.count) / (count + excluded.count) END,
    m2    = CASE WHEN count + excluded.count = 0 THEN 0
                 ELSE m2 + excluded.m2 + (excluded.mean - mean) * (excluded.mean - mean) * count * excluded.count / (count + excluded.count) END`

// MergeBaseline adds delta rows to the persisted baseline in one
// transaction. Rows already stored by other runs or imports are combined
// with, never replaced. Zero-count rows are skipped.
func (s *Store) MergeBaseline(ctx context.Context, rows []BaselineRow) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO baseline (kind, key, count, mean, m2) VALUES (?, ?, ?, ?, ?)`+baselineCombine)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if r.Count == 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, r.Kind, r.Key, r.Count, r.Mean, r.M2); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("merge baseline", err)
}
