package interfaces

import (
	"context"

	"github.com/colligohq/colligo/internal/models"
)

// Crawler is the external scraping capability. The driver itself
// (browser automation, HTTP scraping) lives outside this system; the
// crawl worker only ever sees this contract. targetCount caps how many
// records the driver should aim for per window.
type Crawler interface {
	Crawl(ctx context.Context, token, keyword string, window models.DateRange, targetCount int) ([]models.TweetRecord, error)
}
