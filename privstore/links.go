package privstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/leakwatch/dbopen"
	"github.com/hazyhaar/leakwatch/indicator"
)

// AddAlias records variant -> canonical. Re-adding the same pair is a no-op
// unless the new confidence is higher, in which case type and confidence
// are replaced. The canonical indicator must already exist.
func (s *Store) AddAlias(ctx context.Context, link indicator.AliasLink) error {
	if err := link.Validate(); err != nil {
		return err
	}
	now := millis(s.now())
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO aliases (variant_hash, canonical_hash, type, confidence, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(variant_hash, canonical_hash) DO UPDATE SET
    type       = excluded.type,
    confidence = excluded.confidence
WHERE excluded.confidence > aliases.confidence`,
			link.VariantHash, link.CanonicalHash, string(link.Type), link.Confidence, now)
		return err
	})
	return storageErr("add alias", err)
}

// Aliases returns the alias links whose canonical side is hash.
func (s *Store) Aliases(ctx context.Context, canonical string) ([]indicator.AliasLink, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT variant_hash, canonical_hash, type, confidence
FROM aliases WHERE canonical_hash = ? ORDER BY variant_hash`, canonical)
	if err != nil {
		return nil, storageErr("aliases", err)
	}
	defer rows.Close()
	var out []indicator.AliasLink
	for rows.Next() {
		var (
			a   indicator.AliasLink
			typ string
		)
		if err := rows.Scan(&a.VariantHash, &a.CanonicalHash, &typ, &a.Confidence); err != nil {
			return nil, storageErr("aliases", err)
		}
		a.Type = indicator.AliasType(typ)
		out = append(out, a)
	}
	return out, storageErr("aliases", rows.Err())
}

// AddCooccurrence records that a and b appeared in the same record. Order of
// the arguments does not matter; a == b is ignored.
func (s *Store) AddCooccurrence(ctx context.Context, a, b string, at time.Time) error {
	edge, ok := indicator.NewEdge(a, b)
	if !ok {
		return nil
	}
	if at.IsZero() {
		at = s.now()
	}
	ts := millis(at)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO cooccurrences (hash_1, hash_2, count, first_seen, last_seen)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(hash_1, hash_2) DO UPDATE SET
    count      = count + 1,
    first_seen = MIN(first_seen, excluded.first_seen),
    last_seen  = MAX(last_seen, excluded.last_seen)`,
			edge.Hash1, edge.Hash2, ts, ts)
		return err
	})
	return storageErr("add cooccurrence", err)
}

// Cooccurrences returns every edge touching hash.
func (s *Store) Cooccurrences(ctx context.Context, hash string) ([]indicator.CooccurrenceEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT hash_1, hash_2, count, first_seen, last_seen
FROM cooccurrences WHERE hash_1 = ? OR hash_2 = ?
ORDER BY hash_1, hash_2`, hash, hash)
	if err != nil {
		return nil, storageErr("cooccurrences", err)
	}
	defer rows.Close()
	var out []indicator.CooccurrenceEdge
	for rows.Next() {
		var (
			e           indicator.CooccurrenceEdge
			first, last int64
		)
		if err := rows.Scan(&e.Hash1, &e.Hash2, &e.Count, &first, &last); err != nil {
			return nil, storageErr("cooccurrences", err)
		}
		e.FirstSeen = fromMillis(first)
		e.LastSeen = fromMillis(last)
		out = append(out, e)
	}
	return out, storageErr("cooccurrences", rows.Err())
}
