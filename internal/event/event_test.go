package event

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/tekoa-labs/hookd/internal/signature"
)

const testSecret = "normalizer-test-secret"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// verifiedPayload runs body through the real verifier so tests exercise the
// only constructor a VerifiedPayload has.
func verifiedPayload(t *testing.T, body []byte) *signature.VerifiedPayload {
	t.Helper()

	v, err := signature.New([]string{testSecret}, signature.DefaultTolerance)
	if err != nil {
		t.Fatalf("signature.New: %v", err)
	}
	h := signature.Headers{
		ID:        "msg_test",
		Timestamp: strconv.FormatInt(testNow.Unix(), 10),
		Signature: signature.Sign(testSecret, "msg_test", testNow, body),
	}
	vp, err := v.Verify(body, h, testNow)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return vp
}

func TestNormalize(t *testing.T) {
	body := []byte(`{"eventType":"user.created","eventId":"evt_1","occurredAt":"2025-05-31T08:30:00Z","data":{"userId":"u_9"}}`)

	ev, err := Normalize(verifiedPayload(t, body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Type != "user.created" {
		t.Errorf("Type = %q, want user.created", ev.Type)
	}
	if ev.ID != "evt_1" {
		t.Errorf("ID = %q, want evt_1", ev.ID)
	}
	want := time.Date(2025, 5, 31, 8, 30, 0, 0, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", ev.OccurredAt, want)
	}
	if string(ev.Data) != `{"userId":"u_9"}` {
		t.Errorf("Data = %s", ev.Data)
	}
}

func TestNormalize_UnixOccurredAt(t *testing.T) {
	body := []byte(`{"eventType":"session.created","eventId":"evt_2","occurredAt":1748679000}`)

	ev, err := Normalize(verifiedPayload(t, body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !ev.OccurredAt.Equal(time.Unix(1748679000, 0)) {
		t.Errorf("OccurredAt = %v", ev.OccurredAt)
	}
}

func TestNormalize_FallsBackToDeliveryTimestamp(t *testing.T) {
	body := []byte(`{"eventType":"session.ended","eventId":"evt_3"}`)

	ev, err := Normalize(verifiedPayload(t, body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !ev.OccurredAt.Equal(time.Unix(testNow.Unix(), 0)) {
		t.Errorf("OccurredAt = %v, want delivery timestamp %v", ev.OccurredAt, testNow)
	}
}

func TestNormalize_UnknownTypeIsValid(t *testing.T) {
	body := []byte(`{"eventType":"unknown.thing","eventId":"evt_4"}`)

	ev, err := Normalize(verifiedPayload(t, body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Type != "unknown.thing" {
		t.Errorf("Type = %q", ev.Type)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not json", `not json at all`, ErrNotJSON},
		{"json array", `[1,2,3]`, ErrNotJSON},
		{"missing eventType", `{"eventId":"evt_1"}`, ErrMissingEventType},
		{"empty eventType", `{"eventType":"","eventId":"evt_1"}`, ErrMissingEventType},
		{"missing eventId", `{"eventType":"user.created"}`, ErrMissingEventID},
		{"empty eventId", `{"eventType":"user.created","eventId":""}`, ErrMissingEventID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(verifiedPayload(t, []byte(tt.body)))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Normalize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
