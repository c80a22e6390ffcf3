package privstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/leakwatch/dbopen"
)

// ErrCorruptExport is returned when an export file does not match its manifest.
var ErrCorruptExport = errors.New("privstore: export file does not match manifest")

// Manifest describes an export file. It is written next to the export as
// <path>.manifest.json.
type Manifest struct {
	File           string    `json:"file"`
	SHA256         string    `json:"sha256"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	SchemaVersion  string    `json:"schema_version"`
	KeyFingerprint string    `json:"key_fingerprint"`
	Indicators     int64     `json:"indicators"`
}

// ManifestPath returns the manifest location for an export file.
func ManifestPath(path string) string { return path + ".manifest.json" }

// Export writes a consistent full copy of the store to path and its manifest.
// An existing file at path is replaced only once the copy is complete.
func (s *Store) Export(ctx context.Context, path string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("privstore: export: %w", err)
	}
	fp, err := s.KeyFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	n, err := s.CountIndicators(ctx)
	if err != nil {
		return nil, err
	}

	tmp := path + ".tmp"
	os.Remove(tmp)
	defer os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`VACUUM INTO '%s'`, escapeSQLString(tmp))); err != nil {
		return nil, storageErr("export", err)
	}
	sum, size, err := hashFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("privstore: export hash: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("privstore: export rename: %w", err)
	}

	m := &Manifest{
		File:           filepath.Base(path),
		SHA256:         sum,
		Size:           size,
		CreatedAt:      s.now().UTC(),
		SchemaVersion:  SchemaVersion,
		KeyFingerprint: fp,
		Indicators:     n,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("privstore: export manifest: %w", err)
	}
	if err := writeFileAtomic(ManifestPath(path), append(data, '\n')); err != nil {
		return nil, fmt.Errorf("privstore: export manifest: %w", err)
	}
	s.logger.Info("privstore: exported", "path", path, "sha256", sum, "size", size, "indicators", n)
	return m, nil
}

// ImportResult counts the rows an import inserted or changed, per table.
type ImportResult struct {
	SHA256        string `json:"sha256"`
	Skipped       bool   `json:"skipped"`
	Indicators    int64  `json:"indicators"`
	Aliases       int64  `json:"aliases"`
	Cooccurrences int64  `json:"cooccurrences"`
	Anomalies     int64  `json:"anomalies"`
	Embeddings    int64  `json:"embeddings"`
	Baseline      int64  `json:"baseline"`
	Runs          int64  `json:"runs"`
}

// importStep merges one table of the attached file into main.
type importStep struct {
	name  string
	query string
	count func(*ImportResult) *int64
}

// Order matters: indicators first so that foreign keys of the dependent
// tables resolve.
var importSteps = []importStep{
	{"indicators", `
INSERT INTO main.indicators (hash, domain, first_seen, last_seen, count, categories, breached, peer_known)
SELECT hash, domain, first_seen, last_seen, count, categories, breached, peer_known FROM src.indicators WHERE true
ON CONFLICT(hash) DO UPDATE SET
    count      = count + excluded.count,
    first_seen = MIN(first_seen, excluded.first_seen),
    last_seen  = MAX(last_seen, excluded.last_seen),
    categories = categories | excluded.categories,
    breached   = MAX(breached, excluded.breached),
    peer_known = MAX(peer_known, excluded.peer_known)`,
		func(r *ImportResult) *int64 { return &r.Indicators }},
	{"aliases", `
INSERT INTO main.aliases (variant_hash, canonical_hash, type, confidence, created_at)
SELECT variant_hash, canonical_hash, type, confidence, created_at FROM src.aliases WHERE true
ON CONFLICT(variant_hash, canonical_hash) DO UPDATE SET
    type       = excluded.type,
    confidence = excluded.confidence
WHERE excluded.confidence > aliases.confidence`,
		func(r *ImportResult) *int64 { return &r.Aliases }},
	{"cooccurrences", `
INSERT INTO main.cooccurrences (hash_1, hash_2, count, first_seen, last_seen)
SELECT hash_1, hash_2, count, first_seen, last_seen FROM src.cooccurrences WHERE true
ON CONFLICT(hash_1, hash_2) DO UPDATE SET
    count      = count + excluded.count,
    first_seen = MIN(first_seen, excluded.first_seen),
    last_seen  = MAX(last_seen, excluded.last_seen)`,
		func(r *ImportResult) *int64 { return &r.Cooccurrences }},
	{"anomalies", `
INSERT INTO main.anomalies (id, run_id, row_num, subject, type, contribution, metric, resolved, created_at, resolved_at)
SELECT id, run_id, row_num, subject, type, contribution, metric, resolved, created_at, resolved_at FROM src.anomalies WHERE true
ON CONFLICT(id) DO UPDATE SET
    resolved    = MAX(resolved, excluded.resolved),
    resolved_at = COALESCE(resolved_at, excluded.resolved_at)
WHERE excluded.resolved > anomalies.resolved`,
		func(r *ImportResult) *int64 { return &r.Anomalies }},
	{"embeddings", `
INSERT INTO main.embeddings (hash, domain, model, dim, vector, created_at)
SELECT hash, domain, model, dim, vector, created_at FROM src.embeddings WHERE true
ON CONFLICT(hash) DO NOTHING`,
		func(r *ImportResult) *int64 { return &r.Embeddings }},
	{"baseline", `
INSERT INTO main.baseline (kind, key, count, mean, m2)
SELECT kind, key, count, mean, m2 FROM src.baseline WHERE true` + baselineCombine,
		func(r *ImportResult) *int64 { return &r.Baseline }},
	{"runs", `
INSERT OR IGNORE INTO main.runs (id, source, rules_version, key_fingerprint, status, reason, started_at, finished_at,
    rows_total, rows_malformed, new_count, duplicate_count, similar_count, anomaly_count)
SELECT id, source, rules_version, key_fingerprint, status, reason, started_at, finished_at,
    rows_total, rows_malformed, new_count, duplicate_count, similar_count, anomaly_count FROM src.runs`,
		func(r *ImportResult) *int64 { return &r.Runs }},
}

// Import merges another store file into this one with the same semantics as
// live ingestion: counts add, first_seen takes the minimum, last_seen the
// maximum, flags and categories are OR-ed, the higher-confidence alias wins
// and baselines are combined. A file already imported (same SHA-256) is
// skipped. When a manifest sits next to path, the file must match it.
func (s *Store) Import(ctx context.Context, path string) (*ImportResult, error) {
	if abs, err := filepath.Abs(path); err == nil {
		if own, err := filepath.Abs(s.path); err == nil && abs == own {
			return nil, fmt.Errorf("privstore: import: refusing to import the store into itself")
		}
	}
	sum, size, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("privstore: import: %w", err)
	}
	if err := verifyManifest(path, sum, size); err != nil {
		return nil, err
	}
	res := &ImportResult{SHA256: sum}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, storageErr("import", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE '%s' AS src`, escapeSQLString(path))); err != nil {
		return nil, storageErr("import attach", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE src`); err != nil {
			s.logger.Warn("privstore: detach failed", "error", err)
		}
	}()

	srcVersion, err := readMeta(ctx, conn, "src", "schema_version")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}
	if srcVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: import file has %q, want %s", ErrSchema, srcVersion, SchemaVersion)
	}
	srcKey, err := readMeta(ctx, conn, "src", "key_fingerprint")
	if err != nil {
		return nil, storageErr("import", err)
	}

	marker := "import:" + sum
	err = dbopen.RunConnTx(ctx, conn, func(tx *sql.Tx) error {
		*res = ImportResult{SHA256: sum}
		var seen int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM main.meta WHERE key = ?`, marker).Scan(&seen); err != nil {
			return err
		}
		if seen > 0 {
			res.Skipped = true
			return nil
		}

		var localKey string
		err := tx.QueryRowContext(ctx, `SELECT value FROM main.meta WHERE key = 'key_fingerprint'`).Scan(&localKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		switch {
		case srcKey != "" && localKey != "" && srcKey != localKey:
			return ErrKeyMismatch
		case srcKey != "" && localKey == "":
			if _, err := tx.ExecContext(ctx, `INSERT INTO main.meta (key, value) VALUES ('key_fingerprint', ?)`, srcKey); err != nil {
				return err
			}
		}

		for _, step := range importSteps {
			r, err := tx.ExecContext(ctx, step.query)
			if err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
			*step.count(res) = n
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO main.meta (key, value) VALUES (?, ?)`,
			marker, s.now().UTC().Format(time.RFC3339))
		return err
	})
	if errors.Is(err, ErrKeyMismatch) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("import", err)
	}
	s.logger.Info("privstore: imported", "path", path, "sha256", sum,
		"skipped", res.Skipped, "indicators", res.Indicators, "aliases", res.Aliases)
	return res, nil
}

func readMeta(ctx context.Context, conn *sql.Conn, schema, key string) (string, error) {
	var v string
	err := conn.QueryRowContext(ctx, `SELECT value FROM `+schema+`.meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func verifyManifest(path, sum string, size int64) error {
	data, err := os.ReadFile(ManifestPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("privstore: import manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("privstore: import manifest: %w", err)
	}
	if !strings.EqualFold(m.SHA256, sum) || m.Size != size {
		return fmt.Errorf("%w: %s", ErrCorruptExport, path)
	}
	return nil
}

// hashFile returns the hex-encoded SHA-256 hash and size of a file.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// escapeSQLString escapes single quotes for use in SQL string literals.
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
