// Package journal keeps a durable SQLite record of every submission and its
// outcome.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/conduit/internal/log"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRejected  Status = "rejected"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusSucceeded || s == StatusFailed
}

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("journal entry not found")

// maxErrorBytes bounds the stored error text.
const maxErrorBytes = 16 * 1024

// Fixed width so that stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

type Entry struct {
	ID          string     `json:"id"`
	Graph       string     `json:"graph"`
	Mode        string     `json:"mode"`
	Status      Status     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open opens the database at path and returns a journal that owns it.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordSubmit inserts a queued entry.
func (j *Journal) RecordSubmit(ctx context.Context, id, graph, mode string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO work_log(id, graph, mode, status, submitted_at)
VALUES(?, ?, ?, ?, ?);
`, id, graph, mode, StatusQueued, j.stamp())
	if err != nil {
		return fmt.Errorf("record submit: %w", err)
	}
	return nil
}

// RecordReject marks a queued entry as refused by the queue.
func (j *Journal) RecordReject(ctx context.Context, id string) error {
	return j.transition(ctx, id, StatusRejected, "completed_at", nil)
}

// RecordStart marks an entry as running.
func (j *Journal) RecordStart(ctx context.Context, id string) error {
	return j.transition(ctx, id, StatusRunning, "started_at", nil)
}

// RecordCompletion marks an entry succeeded, or failed when runErr is set.
func (j *Journal) RecordCompletion(ctx context.Context, id string, runErr error) error {
	if runErr == nil {
		return j.transition(ctx, id, StatusSucceeded, "completed_at", nil)
	}
	msg := truncateUTF8(runErr.Error(), maxErrorBytes)
	return j.transition(ctx, id, StatusFailed, "completed_at", &msg)
}

// truncateUTF8 cuts s to at most n bytes without splitting a character.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// transition sets status and stamps the given column. column is always one
// of the fixed names above.
func (j *Journal) transition(ctx context.Context, id string, status Status, column string, lastError *string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	res, err := j.db.ExecContext(ctx, `
UPDATE work_log
SET status = ?, `+column+` = ?, last_error = COALESCE(?, last_error)
WHERE id = ?;
`, status, j.stamp(), lastError, id)
	if err != nil {
		return fmt.Errorf("record %s: %w", status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %s for %s: %w", status, id, ErrNotFound)
	}
	return nil
}

// Get returns the entry for id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, graph, mode, status, submitted_at, started_at, completed_at, last_error
FROM work_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, graph, mode, status, submitted_at, started_at, completed_at, last_error
FROM work_log
ORDER BY submitted_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per status.
func (j *Journal) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_log GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// ErrAbandoned is the recorded error for entries recovered by
// RecoverOrphans.
var ErrAbandoned = errors.New("abandoned: process exited before completion")

// RecoverOrphans fails every queued or running entry. It is meant for startup,
// while the caller holds the journal lock and before any new submission, so
// every non-terminal row belongs to a process that is gone.
func (j *Journal) RecoverOrphans(ctx context.Context) (int64, error) {
	msg := ErrAbandoned.Error()
	res, err := j.db.ExecContext(ctx, `
UPDATE work_log
SET status = ?, completed_at = ?, last_error = ?
WHERE status IN (?, ?);
`, StatusFailed, j.stamp(), msg, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	if n > 0 {
		j.logger.Warn("recovered orphaned journal entries", "rows", n)
	}
	return n, nil
}

// Prune deletes terminal entries completed more than retention ago.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-retention).Format(timeFormat)
	res, err := j.db.ExecContext(ctx, `
DELETE FROM work_log
WHERE completed_at IS NOT NULL AND completed_at < ? AND status IN (?, ?, ?);
`, cutoff, StatusRejected, StatusSucceeded, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("pruned journal", "rows", n, "retention", retention)
	}
	return n, nil
}

func (j *Journal) stamp() string {
	return j.now().Format(timeFormat)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		statusS      string
		submittedAtS string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Graph, &e.Mode, &statusS, &submittedAtS, &startedAtS, &completedAtS, &lastError); err != nil {
		return nil, err
	}

	e.Status = Status(statusS)
	if t, err := time.Parse(timeFormat, submittedAtS); err == nil {
		e.SubmittedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(timeFormat, startedAtS.String); err == nil {
			e.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(timeFormat, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	return &e, nil
}
