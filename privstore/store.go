// Package privstore is the privacy store: a single SQLite file that owns
// every persisted entity (indicators, aliases, co-occurrence edges,
// anomalies, embeddings, the anomaly baseline and run bookkeeping).
//
// Only canonical hashes are stored. Storage-layer failures are returned as
// *StorageError, which matches ErrStorageUnavailable under errors.Is.
package privstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/leakwatch/dbopen"
)

var (
	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("privstore: storage unavailable")
	ErrNotFound           = errors.New("privstore: not found")
	// ErrKeyMismatch is returned when a store or an import file was written
	// under a different HMAC key.
	ErrKeyMismatch = errors.New("privstore: hmac key fingerprint mismatch")
	ErrSchema      = errors.New("privstore: incompatible schema version")
)

// StorageError is an I/O or engine failure during Op.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("privstore: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

const lockStripes = 256

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	locks  [lockStripes]sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock sets the clock used for created/resolved timestamps.
func WithClock(fn func() time.Time) Option { return func(s *Store) { s.now = fn } }

// Open opens (or creates) the store at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	db, err := dbopen.Open(path,
		dbopen.WithImmediateTx(),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(schema),
	)
	if err != nil {
		return nil, storageErr("open", err)
	}
	s.db = db
	var version string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		db.Close()
		return nil, storageErr("open", err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("%w: file has %s, want %s", ErrSchema, version, SchemaVersion)
	}
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

// BindKey records the HMAC key fingerprint on first use and rejects a
// different one afterwards.
func (s *Store) BindKey(ctx context.Context, fingerprint string) error {
	var stored string
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO meta (key, value) VALUES ('key_fingerprint', ?)`, fingerprint); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'key_fingerprint'`).Scan(&stored)
	})
	if err != nil {
		return storageErr("bind key", err)
	}
	if stored != fingerprint {
		return ErrKeyMismatch
	}
	return nil
}

// KeyFingerprint returns the bound fingerprint, or "" if none.
func (s *Store) KeyFingerprint(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'key_fingerprint'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, storageErr("key fingerprint", err)
}

// lock serializes writers of one canonical hash inside this process.
func (s *Store) lock(hash string) func() {
	h := fnv.New32a()
	h.Write([]byte(hash))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
