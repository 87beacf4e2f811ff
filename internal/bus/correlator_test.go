package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colligohq/colligo/internal/models"
)

func TestCorrelator_ExpectResolve(t *testing.T) {
	c := NewCorrelator()

	ch := c.Expect("req-1")
	assert.Equal(t, 1, c.Pending())

	resp := models.Envelope{MessageID: "resp-1", CorrelationID: "req-1", Status: models.StatusCompleted}
	require.True(t, c.Resolve("req-1", resp))
	assert.Equal(t, 0, c.Pending())

	got := <-ch
	assert.Equal(t, "resp-1", got.MessageID)
}

func TestCorrelator_ResolveUnknown(t *testing.T) {
	c := NewCorrelator()

	// A late or replayed response with no waiter is reported, not delivered
	resolved := c.Resolve("never-registered", models.Envelope{MessageID: "resp"})
	assert.False(t, resolved)
}

func TestCorrelator_Cancel(t *testing.T) {
	c := NewCorrelator()

	c.Expect("req-1")
	c.Cancel("req-1")
	assert.Equal(t, 0, c.Pending())
	assert.False(t, c.Resolve("req-1", models.Envelope{}))
}

func TestCorrelator_ExpectIsIdempotent(t *testing.T) {
	c := NewCorrelator()

	first := c.Expect("req-1")
	second := c.Expect("req-1")
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Resolve("req-1", models.Envelope{MessageID: "resp-1", CorrelationID: "req-1"}))

	// Both handles see the same delivery
	got := <-second
	assert.Equal(t, "resp-1", got.MessageID)
	select {
	case <-first:
		t.Fatal("response delivered twice")
	default:
	}
}

func TestCorrelator_AwaitSuccess(t *testing.T) {
	c := NewCorrelator()

	ch := c.Expect("req-1")
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve("req-1", models.Envelope{MessageID: "resp-1", CorrelationID: "req-1"})
	}()

	env, err := c.Await(context.Background(), "req-1", ch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "resp-1", env.MessageID)
}

func TestCorrelator_AwaitAfterEarlyResolve(t *testing.T) {
	c := NewCorrelator()

	// The response lands before the requester starts waiting; it stays
	// buffered on the registered channel and Await picks it up.
	ch := c.Expect("req-1")
	require.True(t, c.Resolve("req-1", models.Envelope{MessageID: "resp-1", CorrelationID: "req-1"}))

	env, err := c.Await(context.Background(), "req-1", ch, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "resp-1", env.MessageID)
}

func TestCorrelator_AwaitTimeout(t *testing.T) {
	c := NewCorrelator()

	ch := c.Expect("req-1")
	_, err := c.Await(context.Background(), "req-1", ch, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, models.ReasonTransport, models.ReasonOf(err))
	// The expectation must be gone so a late response is dropped
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_AwaitContextCancelled(t *testing.T) {
	c := NewCorrelator()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ch := c.Expect("req-1")
	_, err := c.Await(ctx, "req-1", ch, time.Second)
	require.Error(t, err)
	assert.Equal(t, models.ReasonTransport, models.ReasonOf(err))
	assert.Equal(t, 0, c.Pending())
}
