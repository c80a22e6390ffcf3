package privstore

import (
	"context"
)

// Stats summarises the store contents.
type Stats struct {
	Indicators          int64            `json:"indicators"`
	IndicatorsByDomain  map[string]int64 `json:"indicators_by_domain"`
	Observations        int64            `json:"observations"`
	Aliases             int64            `json:"aliases"`
	Cooccurrences       int64            `json:"cooccurrences"`
	Anomalies           int64            `json:"anomalies"`
	UnresolvedAnomalies int64            `json:"unresolved_anomalies"`
	Embeddings          int64            `json:"embeddings"`
	Breached            int64            `json:"breached"`
	PeerKnown           int64            `json:"peer_known"`
	Runs                int64            `json:"runs"`
}

// Stats computes counts over every table in one read transaction.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{IndicatorsByDomain: map[string]int64{}}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, storageErr("stats", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM indicators),
    (SELECT COALESCE(SUM(count), 0) FROM indicators),
    (SELECT COUNT(*) FROM aliases),
    (SELECT COUNT(*) FROM cooccurrences),
    (SELECT COUNT(*) FROM anomalies),
    (SELECT COUNT(*) FROM anomalies WHERE resolved = 0),
    (SELECT COUNT(*) FROM embeddings),
    (SELECT COUNT(*) FROM indicators WHERE breached = 1),
    (SELECT COUNT(*) FROM indicators WHERE peer_known = 1),
    (SELECT COUNT(*) FROM runs)`).Scan(
		&st.Indicators, &st.Observations, &st.Aliases, &st.Cooccurrences, &st.Anomalies,
		&st.UnresolvedAnomalies, &st.Embeddings, &st.Breached, &st.PeerKnown, &st.Runs)
	if err != nil {
		return st, storageErr("stats", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT domain, COUNT(*) FROM indicators GROUP BY domain`)
	if err != nil {
		return st, storageErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d string
			n int64
		)
		if err := rows.Scan(&d, &n); err != nil {
			return st, storageErr("stats", err)
		}
		st.IndicatorsByDomain[d] = n
	}
	return st, storageErr("stats", rows.Err())
}

// Generation is a token that grows whenever a run begins or finishes or an
// import lands. Retention purges do not move it.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	var g int64
	err := s.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM runs) +
    (SELECT COUNT(*) FROM runs WHERE finished_at IS NOT NULL) +
    (SELECT COUNT(*) FROM meta WHERE key LIKE 'import:%')`).Scan(&g)
	return g, storageErr("generation", err)
}
