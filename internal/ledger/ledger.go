// Package ledger persists the durable, append-only history of delivery
// attempts. Appends are single atomic inserts, never a read-modify-write of
// the whole history, so concurrent sessions cannot lose each other's rows.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute
)

// Status is the recorded outcome of a delivery attempt.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial-failure"
	StatusFailure        Status = "failure"
	// StatusAborted marks attempts that never reached the transport
	// (probe, segmentation, or configuration failure).
	StatusAborted Status = "aborted"
)

// DeliveryAttempt is one row of the delivery history. Immutable once
// appended; only ReplaceAll may rewrite history, and only as a whole.
type DeliveryAttempt struct {
	ID         int64
	CreatedAt  time.Time
	Recipient  string
	TotalBytes int64
	Status     Status
	// Detail is free text naming what failed or was skipped. Rows written
	// before the column existed read back as empty.
	Detail string
}

// Ledger wraps the SQLite-backed delivery history.
type Ledger struct {
	db *sql.DB
}

// Open opens the ledger database, creating and migrating it as needed.
// A ledger that does not exist yet is initialized empty, so the first
// Append always succeeds.
func Open(path string) (*Ledger, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	configureDB(db)
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append adds one delivery attempt to the history.
func (l *Ledger) Append(ctx context.Context, att DeliveryAttempt) error {
	createdAt := att.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (created_at, recipient, total_bytes, status, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		createdAt.UTC().Format(time.RFC3339Nano),
		att.Recipient,
		att.TotalBytes,
		string(att.Status),
		att.Detail,
	)
	if err != nil {
		return fmt.Errorf("append delivery attempt: %w", err)
	}
	return nil
}

// ReadAll returns the full history, newest-first.
// Missing columns from older schema versions read back as defaults.
func (l *Ledger) ReadAll(ctx context.Context) ([]DeliveryAttempt, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, created_at, recipient, total_bytes, status, COALESCE(detail, '')
		 FROM delivery_attempts
		 ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("read delivery history: %w", err)
	}
	defer rows.Close()

	var attempts []DeliveryAttempt
	for rows.Next() {
		var att DeliveryAttempt
		var createdAt, status string
		if err := rows.Scan(&att.ID, &createdAt, &att.Recipient, &att.TotalBytes, &status, &att.Detail); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse delivery timestamp %q: %w", createdAt, err)
		}
		att.CreatedAt = ts
		att.Status = Status(status)
		attempts = append(attempts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read delivery history: %w", err)
	}
	return attempts, nil
}

// ReplaceAll atomically rewrites the entire history. Privileged
// administrative correction only; never called by the delivery flow.
func (l *Ledger) ReplaceAll(ctx context.Context, attempts []DeliveryAttempt) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace delivery history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_attempts`); err != nil {
		return fmt.Errorf("clear delivery history: %w", err)
	}

	for _, att := range attempts {
		createdAt := att.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_attempts (created_at, recipient, total_bytes, status, detail)
			 VALUES (?, ?, ?, ?, ?)`,
			createdAt.UTC().Format(time.RFC3339Nano),
			att.Recipient,
			att.TotalBytes,
			string(att.Status),
			att.Detail,
		); err != nil {
			return fmt.Errorf("rewrite delivery attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace delivery history: %w", err)
	}
	return nil
}

func configureDB(db *sql.DB) {
	// Single connection serializes writers at the pool level.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
}

// sqliteDSN builds the driver DSN. The pragmas ride in the DSN so every
// connection the pool opens, including replacements for recycled ones,
// comes up with the same journal and timeout settings. The bare file:
// prefix keeps relative paths out of URI authority parsing.
func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("ledger path is required")
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		path, busyTimeoutMS,
	), nil
}
