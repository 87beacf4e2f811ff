// Package crawler adapts the external scraping capability to the shape
// the crawl workers consume. The driver itself lives outside this
// system; deployments wire a real implementation through Func, wrap it
// with Throttled, or fall back to Disabled.
package crawler

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// DefaultRateLimit is the default crawl rate (requests per second).
const DefaultRateLimit = 1

// Func adapts a plain function to the Crawler interface.
type Func func(ctx context.Context, token, keyword string, window models.DateRange, targetCount int) ([]models.TweetRecord, error)

// Crawl invokes the wrapped function.
func (f Func) Crawl(ctx context.Context, token, keyword string, window models.DateRange, targetCount int) ([]models.TweetRecord, error) {
	return f(ctx, token, keyword, window, targetCount)
}

// throttled rate-limits every crawl invocation. The limiter is shared
// across all workers using the same instance, so the aggregate request
// rate toward the upstream stays bounded no matter how many CrawlWorker
// instances the supervisor spawns.
type throttled struct {
	inner   interfaces.Crawler
	limiter *rate.Limiter
}

// Throttled wraps a crawler with a shared rate limiter. A non-positive
// rps falls back to DefaultRateLimit; burst is raised to at least one.
func Throttled(inner interfaces.Crawler, rps float64, burst int) interfaces.Crawler {
	if rps <= 0 {
		rps = DefaultRateLimit
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Crawl waits for a limiter slot, then delegates.
func (t *throttled) Crawl(ctx context.Context, token, keyword string, window models.DateRange, targetCount int) ([]models.TweetRecord, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, models.NewFault(models.ReasonCrawlFailed, err)
	}
	return t.inner.Crawl(ctx, token, keyword, window, targetCount)
}

// Disabled returns a crawler that fails every invocation. Deployments
// without a scraping driver wired still boot; jobs fail per sub-range
// with CRAWL_FAILED instead of crashing the worker.
func Disabled() interfaces.Crawler {
	return Func(func(_ context.Context, _, keyword string, window models.DateRange, _ int) ([]models.TweetRecord, error) {
		return nil, models.Faultf(models.ReasonCrawlFailed, "no crawl driver configured (keyword %q, window %s)", keyword, window)
	})
}
