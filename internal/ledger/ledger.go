// Package ledger is the idempotency ledger: one durable record per distinct
// event id, guaranteeing a handler runs at most once per event regardless of
// how many times the same delivery is retried.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the processing state of an event id.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome of a Claim call.
type Outcome string

const (
	// OutcomeClaimed means this caller owns the event and must process it.
	OutcomeClaimed Outcome = "claimed"
	// OutcomeAlreadyProcessing means a prior attempt is in flight; acknowledge
	// without reprocessing.
	OutcomeAlreadyProcessing Outcome = "already_processing"
	// OutcomeAlreadyCompleted means the event reached a terminal status; the
	// result is final and is never reprocessed automatically.
	OutcomeAlreadyCompleted Outcome = "already_completed"
)

var (
	ErrNotFound  = errors.New("processing record not found")
	ErrNotFailed = errors.New("only failed events can be replayed")
)

// ProcessingRecord is the sole persisted state the core owns for an event.
type ProcessingRecord struct {
	EventID     string
	EventType   string
	Status      Status
	FirstSeenAt time.Time
	CompletedAt *time.Time
	LastError   *string
}

// Claim is the result of attempting to take ownership of an event id.
type Claim struct {
	Outcome Outcome
	// Record is the existing record for AlreadyProcessing/AlreadyCompleted.
	Record *ProcessingRecord
}

// DefaultRetention is how long terminal records are kept before pruning.
// Sender-side replay windows are always far shorter.
const DefaultRetention = 30 * 24 * time.Hour

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Claim atomically inserts a pending record if and only if no record exists
// for eventID. The conditional insert is the single serialization point:
// under concurrent arrival of the same event id exactly one caller observes
// OutcomeClaimed.
func (l *Ledger) Claim(ctx context.Context, eventID, eventType string) (Claim, error) {
	if eventID == "" {
		return Claim{}, fmt.Errorf("eventID is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, `
INSERT INTO processing_records(event_id, event_type, status, first_seen_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;
`, eventID, eventType, StatusPending, now)
	if err != nil {
		return Claim{}, fmt.Errorf("claim event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return Claim{}, fmt.Errorf("claim event: %w", err)
	}
	if inserted == 1 {
		return Claim{Outcome: OutcomeClaimed}, nil
	}

	rec, err := l.Get(ctx, eventID)
	if err != nil {
		return Claim{}, fmt.Errorf("load existing record: %w", err)
	}
	if rec.Status == StatusPending {
		return Claim{Outcome: OutcomeAlreadyProcessing, Record: rec}, nil
	}
	return Claim{Outcome: OutcomeAlreadyCompleted, Record: rec}, nil
}

// Complete marks a claimed event terminal.
func (l *Ledger) Complete(ctx context.Context, eventID string, status Status, lastError *string) error {
	if eventID == "" {
		return fmt.Errorf("eventID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, `
UPDATE processing_records
SET status = ?, completed_at = ?, last_error = ?
WHERE event_id = ?;
`, status, now, lastError, eventID)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads the record for eventID, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, eventID string) (*ProcessingRecord, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT event_id, event_type, status, first_seen_at, completed_at, last_error
FROM processing_records
WHERE event_id = ?;
`, eventID)

	var (
		rec          ProcessingRecord
		statusS      string
		firstSeenS   string
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(&rec.EventID, &rec.EventType, &statusS, &firstSeenS, &completedAtS, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	rec.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, firstSeenS); err == nil {
		rec.FirstSeenAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	return &rec, nil
}

// Replay removes a failed record so the next delivery of that event id is
// processed again. This is the explicit operator-facing replay path; failed
// events are never retried automatically.
func (l *Ledger) Replay(ctx context.Context, eventID string) error {
	res, err := l.db.ExecContext(ctx, `
DELETE FROM processing_records
WHERE event_id = ? AND status = ?;
`, eventID, StatusFailed)
	if err != nil {
		return fmt.Errorf("replay event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replay event: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := l.Get(ctx, eventID); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrNotFailed
}

// Prune deletes terminal records first seen before cutoff. Advisory
// housekeeping only; pending records are left alone so an in-flight attempt
// is never forgotten.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
DELETE FROM processing_records
WHERE status != ? AND first_seen_at < ?;
`, StatusPending, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return n, nil
}
