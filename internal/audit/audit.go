// Package audit is the append-only record of every inbound delivery attempt
// and its outcome, independent of business-side persistence.
//
// Entries are hash-chained: each entry's hash covers the previous entry's
// hash, so truncation or in-place edits of the log are detectable. Recording
// never fails the ingest path; a persistence error falls back to the process
// log and the request is still acknowledged.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tekoa-labs/hookd/internal/log"
)

// Outcome is the terminal classification of one delivery attempt.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeUnhandled         Outcome = "unhandled"
	OutcomeRejectedSignature Outcome = "rejected-signature"
	OutcomeRejectedMalformed Outcome = "rejected-malformed"
	OutcomeHandlerError      Outcome = "handler-error"
)

// Entry is one appended audit record. Seq, PrevHash and EntryHash are
// assigned by the store.
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	DeliveryID string    `json:"delivery_id"`
	EventType  string    `json:"event_type,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	PrevHash   string    `json:"prev_hash"`
	EntryHash  string    `json:"entry_hash"`
}

// ErrChainBroken reports a hash chain verification failure.
var ErrChainBroken = errors.New("audit chain broken")

// Store appends entries to the audit_log table and fans them out to the live
// hub. The mutex serializes chain appends; the process holds the single
// writer lock on the database so this is the only writer.
type Store struct {
	db     *sql.DB
	hub    *Hub
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
	loaded   bool
}

// NewStore creates an audit store. hub may be nil when no live feed is wired.
func NewStore(db *sql.DB, hub *Hub) *Store {
	return &Store{
		db:     db,
		hub:    hub,
		logger: log.WithComponent("audit"),
	}
}

// Record appends e. It never returns an error: every terminal outcome of
// every request passes through here and must not block acknowledgment.
func (s *Store) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLocked(ctx, &e); err != nil {
		// Fallback channel: the entry still reaches the process log.
		s.logger.Error("audit append failed",
			"delivery_id", e.DeliveryID,
			"event_id", e.EventID,
			"outcome", e.Outcome,
			"detail", e.Detail,
			"error", err,
		)
		return
	}

	if s.hub != nil {
		s.hub.Publish(e)
	}
}

func (s *Store) appendLocked(ctx context.Context, e *Entry) error {
	if !s.loaded {
		if err := s.loadHeadLocked(ctx); err != nil {
			return err
		}
	}

	e.PrevHash = s.lastHash
	e.EntryHash = chainHash(e)

	res, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log(id, delivery_id, event_type, event_id, outcome, detail, created_at, prev_hash, entry_hash)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.DeliveryID, e.EventType, e.EventID, e.Outcome, e.Detail,
		e.CreatedAt.Format(time.RFC3339Nano), e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}

	s.lastHash = e.EntryHash
	return nil
}

func (s *Store) loadHeadLocked(ctx context.Context) error {
	var head string
	err := s.db.QueryRowContext(ctx, `
SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1;
`).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load chain head: %w", err)
	}
	s.lastHash = head
	s.loaded = true
	return nil
}

// Recent returns the newest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, id, delivery_id, event_type, event_id, outcome, detail, created_at, prev_hash, entry_hash
FROM audit_log
ORDER BY seq DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByDelivery returns every entry recorded for one delivery id, oldest first.
func (s *Store) ByDelivery(ctx context.Context, deliveryID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, id, delivery_id, event_type, event_id, outcome, detail, created_at, prev_hash, entry_hash
FROM audit_log
WHERE delivery_id = ?
ORDER BY seq ASC;
`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// VerifyChain walks the full log in sequence order and recomputes every hash.
// Returns the number of verified entries, or ErrChainBroken at the first
// entry whose hash or back-link does not match.
func (s *Store) VerifyChain(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, id, delivery_id, event_type, event_id, outcome, detail, created_at, prev_hash, entry_hash
FROM audit_log
ORDER BY seq ASC;
`)
	if err != nil {
		return 0, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var (
		verified int64
		prev     string
	)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return verified, err
		}
		if e.PrevHash != prev {
			return verified, fmt.Errorf("%w: entry %d back-link mismatch", ErrChainBroken, e.Seq)
		}
		if chainHash(&e) != e.EntryHash {
			return verified, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.EntryHash
		verified++
	}
	if err := rows.Err(); err != nil {
		return verified, fmt.Errorf("walk audit log: %w", err)
	}
	return verified, nil
}

// chainHash computes the BLAKE3 hash of an entry's content plus the previous
// entry's hash. Fields are length-delimited so no two field layouts collide.
func chainHash(e *Entry) string {
	h := blake3.New()
	for _, field := range []string{
		e.PrevHash,
		e.ID,
		e.DeliveryID,
		e.EventType,
		e.EventID,
		string(e.Outcome),
		e.Detail,
		e.CreatedAt.Format(time.RFC3339Nano),
	} {
		_, _ = fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		eventType sql.NullString
		eventID   sql.NullString
		detail    sql.NullString
		createdAt string
		outcome   string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.DeliveryID, &eventType, &eventID, &outcome, &detail, &createdAt, &e.PrevHash, &e.EntryHash)
	if err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Outcome = Outcome(outcome)
	e.EventType = eventType.String
	e.EventID = eventID.String
	e.Detail = detail.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("walk audit log: %w", err)
	}
	return out, nil
}
