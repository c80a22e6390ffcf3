package privstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/leakwatch/dbopen"
)

// RunStatus is the lifecycle state of an ingestion run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunAborted
}

// RunCounts are the aggregate counters recorded when a run finishes.
type RunCounts struct {
	RowsTotal      int64 `json:"rows_total"`
	RowsMalformed  int64 `json:"rows_malformed"`
	NewCount       int64 `json:"new"`
	DuplicateCount int64 `json:"duplicate"`
	SimilarCount   int64 `json:"similar_candidate"`
	AnomalyCount   int64 `json:"anomalies"`
}

// Run is the bookkeeping row of one ingestion.
type Run struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	RulesVersion   string    `json:"rules_version"`
	KeyFingerprint string    `json:"key_fingerprint"`
	Status         RunStatus `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
	RunCounts
}

// BeginRun records a run in status running.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, source, rules_version, key_fingerprint, status, started_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Source, r.RulesVersion, r.KeyFingerprint, string(RunRunning), millis(r.StartedAt))
		return err
	})
	return storageErr("begin run", err)
}

// FinishRun moves a running run to a terminal status with its counters.
// Finishing an already terminal run returns ErrNotFound.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, reason string, c RunCounts) error {
	now := millis(s.now())
	var n int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE runs SET status = ?, reason = ?, finished_at = ?,
    rows_total = ?, rows_malformed = ?, new_count = ?, duplicate_count = ?,
    similar_count = ?, anomaly_count = ?
WHERE id = ? AND status = 'running'`,
			string(status), reason, now,
			c.RowsTotal, c.RowsMalformed, c.NewCount, c.DuplicateCount, c.SimilarCount, c.AnomalyCount,
			id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storageErr("finish run", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, source, rules_version, key_fingerprint, status, reason, started_at, finished_at,
    rows_total, rows_malformed, new_count, duplicate_count, similar_count, anomaly_count`

func scanRun(r rowScanner) (Run, error) {
	var (
		run      Run
		status   string
		started  int64
		finished sql.NullInt64
	)
	err := r.Scan(&run.ID, &run.Source, &run.RulesVersion, &run.KeyFingerprint, &status, &run.Reason,
		&started, &finished, &run.RowsTotal, &run.RowsMalformed, &run.NewCount, &run.DuplicateCount,
		&run.SimilarCount, &run.AnomalyCount)
	if err != nil {
		return run, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = fromMillis(started)
	if finished.Valid {
		run.FinishedAt = fromMillis(finished.Int64)
	}
	return run, nil
}

// GetRun returns the run with id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, storageErr("get run", err)
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr("list runs", err)
		}
		out = append(out, run)
	}
	return out, storageErr("list runs", rows.Err())
}
