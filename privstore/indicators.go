package privstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/leakwatch/dbopen"
	"github.com/hazyhaar/leakwatch/detect"
	"github.com/hazyhaar/leakwatch/indicator"
)

const indicatorColumns = `hash, domain, first_seen, last_seen, count, categories, breached, peer_known`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndicator(r rowScanner) (indicator.Indicator, error) {
	var (
		ind                 indicator.Indicator
		first, last, mask   int64
		breached, peerKnown int
	)
	if err := r.Scan(&ind.Hash, &ind.Domain, &first, &last, &ind.Count, &mask, &breached, &peerKnown); err != nil {
		return ind, err
	}
	ind.FirstSeen = fromMillis(first)
	ind.LastSeen = fromMillis(last)
	ind.Categories = indicator.CategoriesFromMask(mask)
	ind.Breached = breached != 0
	ind.PeerKnown = peerKnown != 0
	return ind, nil
}

// GetIndicator returns the indicator for hash. found is false on a miss;
// err is non-nil only on storage failure.
func (s *Store) GetIndicator(ctx context.Context, hash string) (ind indicator.Indicator, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+indicatorColumns+`,
		EXISTS(SELECT 1 FROM embeddings e WHERE e.hash = indicators.hash)
		FROM indicators WHERE hash = ?`, hash)
	var embedded int
	ind, err = scanIndicator(scanWithExtra{row, &embedded})
	if errors.Is(err, sql.ErrNoRows) {
		return indicator.Indicator{}, false, nil
	}
	if err != nil {
		return indicator.Indicator{}, false, storageErr("get indicator", err)
	}
	ind.Embedded = embedded != 0
	return ind, true, nil
}

// scanWithExtra appends trailing destinations to a scan.
type scanWithExtra struct {
	r     rowScanner
	extra *int
}

func (s scanWithExtra) Scan(dest ...any) error {
	return s.r.Scan(append(dest, s.extra)...)
}

// UpsertIndicator atomically creates the indicator or records one more
// observation of it: count+1, first_seen = min, last_seen = max and the
// category union. created is true for exactly one caller per hash, however
// many observe it concurrently.
func (s *Store) UpsertIndicator(ctx context.Context, obs indicator.Observation) (ind indicator.Indicator, created bool, err error) {
	if obs.Hash == "" || obs.Domain == "" {
		return ind, false, fmt.Errorf("privstore: upsert: hash and domain are required")
	}
	at := obs.ObservedAt
	if at.IsZero() {
		at = s.now()
	}
	ts := millis(at)
	mask := indicator.CategoryMask(obs.Categories)

	unlock := s.lock(obs.Hash)
	defer unlock()

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
INSERT INTO indicators (hash, domain, first_seen, last_seen, count, categories)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(hash) DO UPDATE SET
    count      = count + 1,
    first_seen = MIN(first_seen, excluded.first_seen),
    last_seen  = MAX(last_seen, excluded.last_seen),
    categories = categories | excluded.categories
RETURNING `+indicatorColumns, obs.Hash, obs.Domain, ts, ts, mask)
		var scanErr error
		ind, scanErr = scanIndicator(row)
		return scanErr
	})
	if err != nil {
		return indicator.Indicator{}, false, storageErr("upsert indicator", err)
	}
	return ind, ind.Count == 1, nil
}

// AddTags merges categories into an existing indicator.
func (s *Store) AddTags(ctx context.Context, hash string, cats []detect.Category) error {
	return s.updateIndicator(ctx, "add tags",
		`UPDATE indicators SET categories = categories | ? WHERE hash = ?`,
		indicator.CategoryMask(cats), hash)
}

// MarkBreached records a positive breach-history enrichment.
func (s *Store) MarkBreached(ctx context.Context, hash string) error {
	return s.updateIndicator(ctx, "mark breached",
		`UPDATE indicators SET breached = 1 WHERE hash = ?`, hash)
}

// MarkPeerKnown records that a peer filter reported the hash as possibly
// known elsewhere. It annotates provenance only.
func (s *Store) MarkPeerKnown(ctx context.Context, hash string) error {
	return s.updateIndicator(ctx, "mark peer known",
		`UPDATE indicators SET peer_known = 1 WHERE hash = ?`, hash)
}

func (s *Store) updateIndicator(ctx context.Context, op, query string, args ...any) error {
	var n int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForEachIndicatorHash calls fn for every stored hash in key order. It
// stops at the first error fn returns.
func (s *Store) ForEachIndicatorHash(ctx context.Context, fn func(hash string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM indicators ORDER BY hash`)
	if err != nil {
		return storageErr("list hashes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return storageErr("list hashes", err)
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return storageErr("list hashes", rows.Err())
}

// CountIndicators returns the number of stored indicators.
func (s *Store) CountIndicators(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM indicators`).Scan(&n)
	return n, storageErr("count indicators", err)
}
