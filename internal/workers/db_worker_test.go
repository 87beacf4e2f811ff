package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// ---- results store mock ----

type mockResultsStore struct {
	mu          sync.Mutex
	batches     [][]models.TweetRecord
	queryResult []models.TweetRecord
	insertErr   error
	queryErr    error
	insertPanic bool
	delay       time.Duration
}

var _ interfaces.ResultsStore = (*mockResultsStore)(nil)

func (m *mockResultsStore) InsertUnordered(ctx context.Context, records []models.TweetRecord) ([]string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertPanic {
		panic("cursor invalidated")
	}
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	if len(records) == 0 {
		return nil, nil
	}
	m.batches = append(m.batches, records)
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	return ids, nil
}

func (m *mockResultsStore) QueryCrawled(ctx context.Context, keyword string, window models.DateRange) ([]models.TweetRecord, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.queryResult, nil
}

func (m *mockResultsStore) Ping(ctx context.Context) error { return nil }
func (m *mockResultsStore) Close(ctx context.Context) error { return nil }

func (m *mockResultsStore) insertedBatches() [][]models.TweetRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]models.TweetRecord, len(m.batches))
	copy(out, m.batches)
	return out
}

// ---- harness ----

func awaitEnvelope(t *testing.T, ch <-chan models.Envelope, match func(models.Envelope) bool, what string) models.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-ch:
			if match(env) {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return models.Envelope{}
		}
	}
}

type dbHarness struct {
	t       *testing.T
	mailbox *bus.Mailbox
	out     chan models.Envelope
}

func newDBHarness(t *testing.T, store interfaces.ResultsStore) *dbHarness {
	t.Helper()

	h := &dbHarness{t: t, out: make(chan models.Envelope, 32)}
	h.mailbox = bus.NewMailbox("DBWorker-test", 8)

	factory := NewDBWorkerFactory(store, arbor.NewLogger())
	worker, err := factory(interfaces.WorkerSpawn{
		Instance: "DBWorker-test",
		Inbox:    h.mailbox,
		Emit: func(env models.Envelope) bool {
			if env.Status == models.StatusHealthy {
				return true
			}
			h.out <- env
			return true
		},
		Config: models.WorkerClassConfig{Count: 1, MaxCount: 2},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.mailbox.Close()
	})
	return h
}

func (h *dbHarness) submit(env models.Envelope) {
	h.t.Helper()
	require.NoError(h.t, h.mailbox.Deliver(env))
}

func (h *dbHarness) await(match func(models.Envelope) bool, what string) models.Envelope {
	return awaitEnvelope(h.t, h.out, match, what)
}

func (h *dbHarness) expectQuiet() {
	h.t.Helper()
	select {
	case env := <-h.out:
		h.t.Fatalf("unexpected envelope emitted: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func isInsertResult(env models.Envelope) bool {
	_, method, _ := models.ParsePath(firstPath(env.Destination))
	return method == models.MethodProduceData
}

func isResponse(env models.Envelope) bool {
	_, method, _ := models.ParsePath(firstPath(env.Destination))
	return method == models.MethodOnFetchedData
}

func createEnvelope(t *testing.T, projectID string, records []models.TweetRecord) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.StatusCompleted,
		[]string{models.Path(models.WorkerClassDB, models.MethodCreateNewData, projectID)},
		models.CreateRequest{ProjectID: projectID, Data: records})
	require.NoError(t, err)
	return env
}

func queryEnvelope(t *testing.T, keyword string, window models.DateRange, replyTo string) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.StatusPending,
		[]string{models.Path(models.WorkerClassDB, models.MethodGetCrawledData, "")},
		models.CrawledQuery{Keyword: keyword, Range: window})
	require.NoError(t, err)
	env.ReplyTo = replyTo
	return env
}

// ---- tests ----

func TestCreateNewDataPersistsAndNotifies(t *testing.T) {
	store := &mockResultsStore{}
	h := newDBHarness(t, store)

	records := []models.TweetRecord{
		tweet("espresso one", "2024-01-01"),
		tweet("espresso two", "2024-01-02"),
	}
	env := createEnvelope(t, "p9", records)
	h.submit(env)

	result := h.await(isInsertResult, "insert result")
	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, models.Path(models.WorkerClassGateway, models.MethodProduceData, "p9"), result.Destination[0])

	var created models.CreateResult
	require.NoError(t, result.DecodeData(&created))
	assert.Equal(t, "p9", created.ProjectID)
	assert.Len(t, created.InsertedIDs, 2)

	ack := h.await(isAckOf(env.MessageID), "request ack")
	assert.Equal(t, models.StatusCompleted, ack.Status)

	batches := store.insertedBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestCreateNewDataProjectIDFromPath(t *testing.T) {
	store := &mockResultsStore{}
	h := newDBHarness(t, store)

	env, err := models.NewEnvelope(models.StatusCompleted,
		[]string{models.Path(models.WorkerClassDB, models.MethodCreateNewData, "p42")},
		models.CreateRequest{Data: []models.TweetRecord{tweet("espresso", "2024-01-01")}})
	require.NoError(t, err)
	h.submit(env)

	result := h.await(isInsertResult, "insert result")
	var created models.CreateResult
	require.NoError(t, result.DecodeData(&created))
	assert.Equal(t, "p42", created.ProjectID, "path parameter fills a missing project id")
}

func TestCreateNewDataEmptyBatchIsNoOp(t *testing.T) {
	store := &mockResultsStore{}
	h := newDBHarness(t, store)

	env := createEnvelope(t, "p1", nil)
	h.submit(env)

	result := h.await(isInsertResult, "insert result")
	var created models.CreateResult
	require.NoError(t, result.DecodeData(&created))
	assert.Empty(t, created.InsertedIDs)

	ack := h.await(isAckOf(env.MessageID), "request ack")
	assert.Equal(t, models.StatusCompleted, ack.Status)
	assert.Empty(t, store.insertedBatches(), "empty batch never reaches the store")
}

func TestCreateNewDataInsertErrorAcksTransport(t *testing.T) {
	store := &mockResultsStore{insertErr: errors.New("server selection timeout")}
	h := newDBHarness(t, store)

	env := createEnvelope(t, "p1", []models.TweetRecord{tweet("espresso", "2024-01-01")})
	h.submit(env)

	ack := h.await(isAckOf(env.MessageID), "request ack")
	assert.Equal(t, models.StatusFailed, ack.Status)
	assert.Equal(t, string(models.ReasonTransport), ack.Reason)
	h.expectQuiet()
}

func TestGetCrawledDataRespondsDirected(t *testing.T) {
	store := &mockResultsStore{queryResult: []models.TweetRecord{
		tweet("stored espresso", "2024-01-01"),
		tweet("stored espresso", "2024-01-02"),
	}}
	h := newDBHarness(t, store)

	env := queryEnvelope(t, "espresso", rng(t, "2024-01-01", "2024-01-03"), "CrawlWorker-abc")
	h.submit(env)

	resp := h.await(isResponse, "coverage response")
	assert.Equal(t, models.StatusCompleted, resp.Status)
	assert.Equal(t, env.MessageID, resp.CorrelationID)
	assert.Equal(t, "CrawlWorker-abc", resp.ReplyTo)
	assert.Equal(t, models.Path(models.WorkerClassCrawl, models.MethodOnFetchedData, ""), resp.Destination[0])

	var result models.CrawledResult
	require.NoError(t, resp.DecodeData(&result))
	assert.Equal(t, "espresso", result.Keyword)
	assert.Len(t, result.Data, 2)

	ack := h.await(isAckOf(env.MessageID), "request ack")
	assert.Equal(t, models.StatusCompleted, ack.Status)
}

func TestGetCrawledDataQueryErrorFailsFast(t *testing.T) {
	store := &mockResultsStore{queryErr: errors.New("network unreachable")}
	h := newDBHarness(t, store)

	env := queryEnvelope(t, "espresso", rng(t, "2024-01-01", "2024-01-03"), "CrawlWorker-abc")
	h.submit(env)

	resp := h.await(isResponse, "failed response")
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, string(models.ReasonTransport), resp.Reason)
	assert.Equal(t, env.MessageID, resp.CorrelationID, "waiter must be released immediately")

	ack := h.await(isAckOf(env.MessageID), "request ack")
	assert.Equal(t, models.StatusFailed, ack.Status)
	assert.Equal(t, string(models.ReasonTransport), ack.Reason)
}

func TestDBWorkerBusyReroutesSecondRequest(t *testing.T) {
	store := &mockResultsStore{delay: 150 * time.Millisecond}
	h := newDBHarness(t, store)

	first := queryEnvelope(t, "espresso", rng(t, "2024-01-01", "2024-01-02"), "CrawlWorker-a")
	second := queryEnvelope(t, "latte", rng(t, "2024-02-01", "2024-02-02"), "CrawlWorker-b")
	h.submit(first)
	h.submit(second)

	reroute := h.await(isReroute(second.MessageID), "busy reroute")
	assert.Equal(t, models.StatusFailed, reroute.Status)
	assert.Equal(t, "DBWorker-test", reroute.Source)

	resp := h.await(isResponse, "first response")
	assert.Equal(t, first.MessageID, resp.CorrelationID)
}

func TestRequestPanicBecomesFailedAck(t *testing.T) {
	store := &mockResultsStore{insertPanic: true}
	h := newDBHarness(t, store)

	env := createEnvelope(t, "p1", []models.TweetRecord{tweet("espresso", "2024-01-01")})
	h.submit(env)

	ack := h.await(isAckOf(env.MessageID), "request ack")
	assert.Equal(t, models.StatusFailed, ack.Status)
	assert.Contains(t, ack.Reason, "panic")

	// The instance survives and serves the next request.
	store.mu.Lock()
	store.insertPanic = false
	store.mu.Unlock()

	next := createEnvelope(t, "p2", []models.TweetRecord{tweet("latte", "2024-01-02")})
	h.submit(next)
	ack = h.await(isAckOf(next.MessageID), "second ack")
	assert.Equal(t, models.StatusCompleted, ack.Status)
}

func TestDBWorkerUnsupportedMethod(t *testing.T) {
	store := &mockResultsStore{}
	h := newDBHarness(t, store)

	env, err := models.NewEnvelope(models.StatusCompleted,
		[]string{models.WorkerClassDB.String() + "/drop_collection"}, nil)
	require.NoError(t, err)
	h.submit(env)

	ack := h.await(isAckOf(env.MessageID), "rejection ack")
	assert.Equal(t, models.StatusFailed, ack.Status)
	assert.Equal(t, string(models.ReasonBadInput), ack.Reason)
}

func TestCreateNewDataBadPayload(t *testing.T) {
	store := &mockResultsStore{}
	h := newDBHarness(t, store)

	env, err := models.NewEnvelope(models.StatusCompleted,
		[]string{models.Path(models.WorkerClassDB, models.MethodCreateNewData, "p1")},
		[]string{"not", "a", "batch"})
	require.NoError(t, err)
	h.submit(env)

	ack := h.await(isAckOf(env.MessageID), "rejection ack")
	assert.Equal(t, models.StatusFailed, ack.Status)
	assert.Equal(t, string(models.ReasonBadInput), ack.Reason)
	assert.Empty(t, store.insertedBatches())
}
