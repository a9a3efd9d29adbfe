package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tekoa-labs/hookd/internal/storage"
)

func testStore(t *testing.T, hub *Hub) *Store {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, hub)
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	s.Record(ctx, Entry{DeliveryID: "msg_1", EventType: "user.created", EventID: "evt_1", Outcome: OutcomeAccepted})
	s.Record(ctx, Entry{DeliveryID: "msg_2", Outcome: OutcomeRejectedSignature, Detail: "signature mismatch"})

	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	require.Equal(t, OutcomeRejectedSignature, entries[0].Outcome)
	require.Equal(t, "msg_2", entries[0].DeliveryID)
	require.Equal(t, OutcomeAccepted, entries[1].Outcome)
	require.NotEmpty(t, entries[1].ID)
	require.NotEmpty(t, entries[1].EntryHash)
	require.Empty(t, entries[1].PrevHash, "first entry links to the empty hash")
	require.Equal(t, entries[1].EntryHash, entries[0].PrevHash)
}

func TestByDelivery(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	s.Record(ctx, Entry{DeliveryID: "msg_1", Outcome: OutcomeAccepted, EventID: "evt_1"})
	s.Record(ctx, Entry{DeliveryID: "msg_other", Outcome: OutcomeDuplicate, EventID: "evt_1"})

	entries, err := s.ByDelivery(ctx, "msg_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "msg_1", entries[0].DeliveryID)
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	for i := 0; i < 5; i++ {
		s.Record(ctx, Entry{DeliveryID: "msg_1", EventID: "evt_1", Outcome: OutcomeAccepted})
	}

	n, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	s.Record(ctx, Entry{DeliveryID: "msg_1", EventID: "evt_1", Outcome: OutcomeAccepted})
	s.Record(ctx, Entry{DeliveryID: "msg_2", EventID: "evt_2", Outcome: OutcomeHandlerError, Detail: "boom"})

	// Rewrite history: soften the failure after the fact.
	_, err := s.db.ExecContext(ctx, `UPDATE audit_log SET outcome = ? WHERE delivery_id = ?;`, OutcomeAccepted, "msg_2")
	require.NoError(t, err)

	n, err := s.VerifyChain(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, int64(1), n)
}

func TestVerifyChain_DetectsDeletion(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	s.Record(ctx, Entry{DeliveryID: "msg_1", Outcome: OutcomeAccepted})
	s.Record(ctx, Entry{DeliveryID: "msg_2", Outcome: OutcomeRejectedSignature})
	s.Record(ctx, Entry{DeliveryID: "msg_3", Outcome: OutcomeAccepted})

	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE delivery_id = ?;`, "msg_2")
	require.NoError(t, err)

	_, err = s.VerifyChain(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestRecord_PublishesToHub(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(10)
	s := testStore(t, hub)

	ch, cancel := hub.Subscribe()
	defer cancel()

	s.Record(ctx, Entry{DeliveryID: "msg_1", Outcome: OutcomeAccepted})

	select {
	case e := <-ch:
		require.Equal(t, "msg_1", e.DeliveryID)
		require.NotEmpty(t, e.EntryHash)
	case <-time.After(time.Second):
		t.Fatal("no entry published to hub")
	}
}

func TestRecord_NeverFailsCaller(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	// Close the database out from under the store; Record must swallow the
	// failure and keep the ingest path alive.
	require.NoError(t, s.db.Close())
	s.Record(ctx, Entry{DeliveryID: "msg_1", Outcome: OutcomeAccepted})
}

func TestHub_RingSnapshot(t *testing.T) {
	hub := NewHub(3)
	for i := int64(1); i <= 5; i++ {
		hub.Publish(Entry{Seq: i, DeliveryID: "msg", Outcome: OutcomeAccepted})
	}

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 3)
	require.Equal(t, int64(3), snap[0].Seq)
	require.Equal(t, int64(5), snap[2].Seq)

	since := hub.SnapshotSince(4)
	require.Len(t, since, 1)
	require.Equal(t, int64(5), since[0].Seq)
}
