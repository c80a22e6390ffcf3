package privstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/leakwatch/dbopen"
)

// PurgeResult counts what a retention pass removed.
type PurgeResult struct {
	Indicators int64 `json:"indicators"`
	Anomalies  int64 `json:"anomalies"`
}

// PurgeLastSeenBefore deletes indicators not observed since cutoff together
// with their anomalies. Aliases, edges and embeddings go with them through
// foreign-key cascades.
func (s *Store) PurgeLastSeenBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult
	ts := millis(cutoff)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
DELETE FROM anomalies WHERE subject IN (SELECT hash FROM indicators WHERE last_seen < ?)`, ts)
		if err != nil {
			return err
		}
		if res.Anomalies, err = r.RowsAffected(); err != nil {
			return err
		}
		r, err = tx.ExecContext(ctx, `DELETE FROM indicators WHERE last_seen < ?`, ts)
		if err != nil {
			return err
		}
		res.Indicators, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return PurgeResult{}, storageErr("purge", err)
	}
	if res.Indicators > 0 {
		s.logger.Info("privstore: retention purge",
			"cutoff", cutoff.UTC().Format(time.RFC3339), "indicators", res.Indicators, "anomalies", res.Anomalies)
	}
	return res, nil
}
