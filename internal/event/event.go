// Package event turns authenticated payload bytes into typed event envelopes.
//
// Normalization is deliberately shallow: it proves the envelope carries an
// event type and a globally unique event id, and leaves the data body opaque.
// Unknown event types are valid events; the sender's vocabulary evolves
// independently of this service's handler set.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tekoa-labs/hookd/internal/signature"
)

var (
	ErrNotJSON          = errors.New("payload is not a JSON object")
	ErrMissingEventType = errors.New("missing eventType")
	ErrMissingEventID   = errors.New("missing eventId")
)

// Event is the logical occurrence carried by a delivery. ID identifies the
// event across delivery retries; it is distinct from the delivery id.
type Event struct {
	Type       string
	ID         string
	OccurredAt time.Time
	Data       json.RawMessage
}

type envelope struct {
	EventType  string          `json:"eventType"`
	EventID    string          `json:"eventId"`
	OccurredAt json.RawMessage `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Normalize parses a verified payload into an Event. The payload body must be
// a JSON object with non-empty eventType and eventId fields; occurredAt is
// optional (RFC3339 string or unix seconds) and falls back to the delivery
// timestamp the signature was verified against.
func Normalize(p *signature.VerifiedPayload) (Event, error) {
	var env envelope
	if err := json.Unmarshal(p.Body(), &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if env.EventType == "" {
		return Event{}, ErrMissingEventType
	}
	if env.EventID == "" {
		return Event{}, ErrMissingEventID
	}

	occurredAt := parseOccurredAt(env.OccurredAt)
	if occurredAt.IsZero() {
		occurredAt = p.Timestamp()
	}

	return Event{
		Type:       env.EventType,
		ID:         env.EventID,
		OccurredAt: occurredAt,
		Data:       env.Data,
	}, nil
}

// parseOccurredAt accepts an RFC3339 string or unix seconds. Anything else
// yields the zero time and the caller falls back to the delivery timestamp.
func parseOccurredAt(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}

	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}
