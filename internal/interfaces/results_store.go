package interfaces

import (
	"context"

	"github.com/colligohq/colligo/internal/models"
)

// ResultsStore is the append-only collection of harvested records. It
// doubles as the planner's already-crawled evidence: QueryCrawled is
// what coverage computation reads.
type ResultsStore interface {
	// InsertUnordered appends records tolerating duplicates; the insert
	// continues past duplicate-key rejections and returns the ids that
	// did land. An empty batch is a no-op.
	InsertUnordered(ctx context.Context, records []models.TweetRecord) ([]string, error)

	// QueryCrawled returns records whose full_text matches the keyword
	// token alternation (case-insensitive) and whose created_at falls
	// inside the window at day granularity.
	QueryCrawled(ctx context.Context, keyword string, window models.DateRange) ([]models.TweetRecord, error)

	// Ping verifies the store connection.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close(ctx context.Context) error
}
