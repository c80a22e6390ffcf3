package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
)

const maxRetries = 5

// Primary result codes SQLITE_BUSY and SQLITE_LOCKED.
const (
	codeBusy   = 5
	codeLocked = 6
)

// IsBusy reports whether err indicates an SQLite BUSY or LOCKED condition,
// either as a driver error code or in its message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// txBeginner is satisfied by *sql.DB and *sql.Conn.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RunTx executes fn inside a transaction with automatic retry on
// SQLITE_BUSY. fn may run more than once and must not keep side effects
// outside tx. Backoff is 50/100/150/200 ms.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return runWithRetry(ctx, db, fn)
}

// RunConnTx is RunTx on a dedicated connection, for work that depends on
// connection state such as ATTACH.
func RunConnTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	return runWithRetry(ctx, conn, fn)
}

func runWithRetry(ctx context.Context, b txBeginner, fn func(*sql.Tx) error) error {
	for i := range maxRetries {
		err := runOnce(ctx, b, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == maxRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(50*(i+1))*time.Millisecond); err != nil {
			return fmt.Errorf("dbopen: context cancelled during retry: %w", err)
		}
	}
	return fmt.Errorf("dbopen: RunTx: max retries exceeded")
}

func runOnce(ctx context.Context, b txBeginner, fn func(*sql.Tx) error) error {
	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
