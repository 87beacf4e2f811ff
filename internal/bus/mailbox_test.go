package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colligohq/colligo/internal/models"
)

func testEnvelope(t *testing.T, dest string) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.StatusCompleted, []string{dest}, nil)
	require.NoError(t, err)
	return env
}

func TestMailbox_DeliverAndReceive(t *testing.T) {
	mb := NewMailbox("CrawlWorker-test", 4)

	first := testEnvelope(t, "CrawlWorker/crawling")
	second := testEnvelope(t, "CrawlWorker/on_fetched_data")

	require.NoError(t, mb.Deliver(first))
	require.NoError(t, mb.Deliver(second))
	assert.Equal(t, 2, mb.Len())

	// FIFO per mailbox
	got := <-mb.Inbox()
	assert.Equal(t, first.MessageID, got.MessageID)
	got = <-mb.Inbox()
	assert.Equal(t, second.MessageID, got.MessageID)
}

func TestMailbox_DeliverFull(t *testing.T) {
	mb := NewMailbox("DBWorker-test", 1)

	require.NoError(t, mb.Deliver(testEnvelope(t, "DBWorker/get_crawled_data")))

	err := mb.Deliver(testEnvelope(t, "DBWorker/get_crawled_data"))
	assert.ErrorIs(t, err, ErrMailboxFull)

	// Draining frees capacity again
	<-mb.Inbox()
	assert.NoError(t, mb.Deliver(testEnvelope(t, "DBWorker/get_crawled_data")))
}

func TestMailbox_DeliverClosed(t *testing.T) {
	mb := NewMailbox("CrawlWorker-test", 2)
	mb.Close()

	err := mb.Deliver(testEnvelope(t, "CrawlWorker/crawling"))
	assert.ErrorIs(t, err, ErrMailboxClosed)

	// Closing twice must not panic
	mb.Close()
}

func TestMailbox_CloseEndsInbox(t *testing.T) {
	mb := NewMailbox("CrawlWorker-test", 2)
	require.NoError(t, mb.Deliver(testEnvelope(t, "CrawlWorker/crawling")))
	mb.Close()

	// Buffered envelope still drains, then the channel reports closed
	_, ok := <-mb.Inbox()
	assert.True(t, ok)
	_, ok = <-mb.Inbox()
	assert.False(t, ok)
}

func TestMailbox_MinimumSize(t *testing.T) {
	mb := NewMailbox("DBWorker-test", 0)
	assert.NoError(t, mb.Deliver(testEnvelope(t, "DBWorker/create_new_data/p1")))
}
