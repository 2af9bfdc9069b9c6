package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := OpenWithDB(db)
	require.NoError(t, err)
	return store
}

func TestEnqueueAssignsIncreasingSeq(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Enqueue("sale.completed", map[string]string{"doc_no": "INV-1"})
	require.NoError(t, err)
	second, err := store.Enqueue("sale.completed", map[string]string{"doc_no": "INV-2"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.Seq)
	assert.EqualValues(t, 2, second.Seq)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, StatusPending, first.Status)

	n, err := store.PendingCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestNextBatchMarksSentAndCountsAttempts(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := store.Enqueue("sale.completed", map[string]int{"n": i})
		require.NoError(t, err)
	}

	batch, err := store.NextBatch(2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.EqualValues(t, 1, batch[0].Seq)
	assert.EqualValues(t, 2, batch[1].Seq)

	// In-flight events are excluded from the next batch.
	next, err := store.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.EqualValues(t, 3, next[0].Seq)

	sent, err := store.Get(batch[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)
}

func TestResetInFlightAfterCrash(t *testing.T) {
	store := newTestStore(t)
	ev, err := store.Enqueue("shift.opened", map[string]string{})
	require.NoError(t, err)

	_, err = store.NextBatch(10)
	require.NoError(t, err)
	require.NoError(t, store.ResetInFlight())

	// The event is sendable again and keeps its attempt count.
	batch, err := store.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, ev.EventID, batch[0].EventID)

	got, err := store.Get(ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestAckAndAckThrough(t *testing.T) {
	store := newTestStore(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ev, err := store.Enqueue("sale.completed", map[string]int{"n": i})
		require.NoError(t, err)
		ids = append(ids, ev.EventID)
	}

	require.NoError(t, store.Ack(ids[0]))
	got, err := store.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, got.Status)

	// Lost ack responses: the watermark sweeps everything at or below it.
	require.NoError(t, store.AckThrough(2))
	got, err = store.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, got.Status)
	got, err = store.Get(ids[2])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMarkRejectedAndList(t *testing.T) {
	store := newTestStore(t)
	ev, err := store.Enqueue("sale.completed", map[string]string{})
	require.NoError(t, err)

	require.NoError(t, store.MarkRejected(ev.EventID, "unknown tender method"))

	rejected, err := store.Rejected()
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "unknown tender method", rejected[0].LastError)

	n, err := store.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneAckedHonorsRetention(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now.Add(-8 * 24 * time.Hour) })

	old, err := store.Enqueue("sale.completed", map[string]string{})
	require.NoError(t, err)
	store.WithNow(func() time.Time { return now })
	recent, err := store.Enqueue("sale.completed", map[string]string{})
	require.NoError(t, err)

	require.NoError(t, store.Ack(old.EventID))
	require.NoError(t, store.Ack(recent.EventID))

	pruned, err := store.PruneAcked(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	_, err = store.Get(old.EventID)
	assert.Error(t, err)
	_, err = store.Get(recent.EventID)
	assert.NoError(t, err)
}
