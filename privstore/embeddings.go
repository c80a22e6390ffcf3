package privstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/leakwatch/dbopen"
	"github.com/hazyhaar/leakwatch/embedding"
)

// StoredEmbedding is a candidate vector for similarity search.
type StoredEmbedding struct {
	Hash   string
	Vector []float32
	Norm   float64
}

// PutEmbedding attaches vec to an existing indicator. The first vector wins;
// embeddings are a hint and are never rewritten.
func (s *Store) PutEmbedding(ctx context.Context, hash, domain, model string, vec []float32) error {
	if !embedding.Usable(vec) {
		return fmt.Errorf("privstore: put embedding: unusable vector")
	}
	blob := embedding.SerializeVector(vec)
	now := millis(s.now())
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO embeddings (hash, domain, model, dim, vector, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(hash) DO NOTHING`, hash, domain, model, len(vec), blob, now)
		return err
	})
	return storageErr("put embedding", err)
}

// EmbeddingCandidates returns at most limit of the most recent vectors in
// domain that were produced by model with dimension dim.
func (s *Store) EmbeddingCandidates(ctx context.Context, domain, model string, dim, limit int) ([]StoredEmbedding, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT hash, vector FROM embeddings
WHERE domain = ? AND model = ? AND dim = ?
ORDER BY created_at DESC, hash
LIMIT ?`, domain, model, dim, limit)
	if err != nil {
		return nil, storageErr("embedding candidates", err)
	}
	defer rows.Close()
	var out []StoredEmbedding
	for rows.Next() {
		var (
			hash string
			blob []byte
		)
		if err := rows.Scan(&hash, &blob); err != nil {
			return nil, storageErr("embedding candidates", err)
		}
		vec := embedding.DeserializeVector(blob)
		out = append(out, StoredEmbedding{Hash: hash, Vector: vec, Norm: embedding.Norm(vec)})
	}
	return out, storageErr("embedding candidates", rows.Err())
}
