package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/models"
)

func spoolT(t *testing.T, visibility time.Duration, maxReceive int) *Spool {
	t.Helper()

	db, err := NewDB(arbor.NewLogger(), &common.SpoolConfig{
		Path: t.TempDir() + "/spool",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	spool, err := NewSpool(db.Badger(), arbor.NewLogger(), visibility, maxReceive)
	require.NoError(t, err)
	return spool
}

func TestSpool_EnqueueReceiveDelete(t *testing.T) {
	spool := spoolT(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, spool.Enqueue(ctx, "data_gathering_queue", []byte(`{"project_id":"p1"}`)))

	n, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, deleteFn, err := spool.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data_gathering_queue", entry.Queue)
	assert.Equal(t, []byte(`{"project_id":"p1"}`), entry.Body)
	assert.Equal(t, 1, entry.ReceiveCount)

	require.NoError(t, deleteFn())

	n, err = spool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, _, err = spool.Receive(ctx)
	assert.True(t, errors.Is(err, models.ErrNoMessage))
}

func TestSpool_EmptyReceive(t *testing.T) {
	spool := spoolT(t, time.Minute, 3)

	_, _, err := spool.Receive(context.Background())
	assert.True(t, errors.Is(err, models.ErrNoMessage))
}

func TestSpool_ClaimedEntryIsInvisible(t *testing.T) {
	spool := spoolT(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, spool.Enqueue(ctx, "q", []byte("one")))

	_, _, err := spool.Receive(ctx)
	require.NoError(t, err)

	// Claimed but not deleted: invisible until the timeout elapses
	_, _, err = spool.Receive(ctx)
	assert.True(t, errors.Is(err, models.ErrNoMessage))

	// Still journalled
	n, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpool_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	spool := spoolT(t, 20*time.Millisecond, 3)
	ctx := context.Background()

	require.NoError(t, spool.Enqueue(ctx, "q", []byte("one")))

	first, _, err := spool.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ReceiveCount)

	time.Sleep(40 * time.Millisecond)

	second, deleteFn, err := spool.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "unconfirmed entry must reappear")
	assert.Equal(t, 2, second.ReceiveCount)

	require.NoError(t, deleteFn())
}

func TestSpool_PoisonEntryDropped(t *testing.T) {
	spool := spoolT(t, time.Millisecond, 2)
	ctx := context.Background()

	require.NoError(t, spool.Enqueue(ctx, "q", []byte("poison")))

	// Claim twice without confirming, letting visibility lapse each time
	for i := 0; i < 2; i++ {
		_, _, err := spool.Receive(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	// Third receive hits the max-receive cap and drops the entry
	_, _, err := spool.Receive(ctx)
	assert.True(t, errors.Is(err, models.ErrNoMessage))

	n, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSpool_FIFOAcrossQueues(t *testing.T) {
	spool := spoolT(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, spool.Enqueue(ctx, "data_gathering_queue", []byte("first")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, spool.Enqueue(ctx, "compensation_queue", []byte("second")))

	entry, deleteFn, err := spool.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), entry.Body)
	require.NoError(t, deleteFn())

	entry, deleteFn, err = spool.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), entry.Body)
	assert.Equal(t, "compensation_queue", entry.Queue)
	require.NoError(t, deleteFn())
}

func TestSpool_SurvivesReopen(t *testing.T) {
	dir := t.TempDir() + "/spool"
	ctx := context.Background()

	db, err := NewDB(arbor.NewLogger(), &common.SpoolConfig{Path: dir})
	require.NoError(t, err)

	spool, err := NewSpool(db.Badger(), arbor.NewLogger(), time.Minute, 3)
	require.NoError(t, err)
	require.NoError(t, spool.Enqueue(ctx, "q", []byte("durable")))
	require.NoError(t, db.Close())

	db, err = NewDB(arbor.NewLogger(), &common.SpoolConfig{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	spool, err = NewSpool(db.Badger(), arbor.NewLogger(), time.Minute, 3)
	require.NoError(t, err)

	entry, deleteFn, err := spool.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), entry.Body)
	require.NoError(t, deleteFn())
}
