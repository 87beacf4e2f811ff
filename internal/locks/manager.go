// -----------------------------------------------------------------------
// Crawl Lock Manager - Date-range mutual exclusion over the lock store
// -----------------------------------------------------------------------

package locks

import (
	"context"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// DefaultTTL caps how long an unreleased range lock survives. It must
// exceed the worst-case crawl duration of a single sub-range or the
// mutual-exclusion guarantee degrades to best-effort.
const DefaultTTL = 6000 * time.Second

// Manager layers date-range semantics over the key-value lock store.
// It owns no state of its own; every live lock lives in the store so
// any number of supervisors can plan against the same view.
type Manager struct {
	store  interfaces.RangeLockStore
	logger arbor.ILogger
	ttl    time.Duration
}

// NewManager creates a lock manager. A non-positive ttl falls back to
// DefaultTTL.
func NewManager(store interfaces.RangeLockStore, logger arbor.ILogger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:  store,
		logger: logger,
		ttl:    ttl,
	}
}

// TTL returns the expiry applied to acquired ranges.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// AcquireRange claims the exact (keyword, range) key. Returns false
// when another worker already holds a live lock on the same key.
func (m *Manager) AcquireRange(ctx context.Context, keyword string, r models.DateRange) (bool, error) {
	key := EncodeKey(keyword, r)
	ok, err := m.store.Acquire(ctx, key, m.ttl)
	if err != nil {
		return false, err
	}
	m.logger.Debug().
		Str("key", key).
		Bool("acquired", ok).
		Msg("Range lock acquire")
	return ok, nil
}

// ReleaseRange drops the (keyword, range) key, reporting whether a live
// lock was actually removed.
func (m *Manager) ReleaseRange(ctx context.Context, keyword string, r models.DateRange) (bool, error) {
	key := EncodeKey(keyword, r)
	ok, err := m.store.Release(ctx, key)
	if err != nil {
		return false, err
	}
	m.logger.Debug().
		Str("key", key).
		Bool("released", ok).
		Msg("Range lock release")
	return ok, nil
}

// Ranges enumerates every live locked range for the keyword. Keys that
// fail to decode are skipped with a warning; a corrupt key must not
// stall planning for the whole keyword.
func (m *Manager) Ranges(ctx context.Context, keyword string) ([]models.DateRange, error) {
	keys, err := m.store.Scan(ctx, KeywordPrefix(keyword))
	if err != nil {
		return nil, err
	}

	ranges := make([]models.DateRange, 0, len(keys))
	for _, key := range keys {
		kw, r, err := DecodeKey(key)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable lock key")
			continue
		}
		if kw != keyword {
			// Prefix scan can catch "kw extra:..." for keyword "kw"; only
			// exact keyword matches count.
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Overlap reports which parts of the requested window are already
// locked: live locks are merged, then each merged range is clamped to
// the request. An empty result means the whole window is free.
func (m *Manager) Overlap(ctx context.Context, keyword string, req models.DateRange) ([]models.DateRange, error) {
	ranges, err := m.Ranges(ctx, keyword)
	if err != nil {
		return nil, err
	}

	overlaps := make([]models.DateRange, 0, len(ranges))
	for _, r := range Merge(ranges) {
		if clamped, ok := r.Clamp(req); ok {
			overlaps = append(overlaps, clamped)
		}
	}
	return overlaps, nil
}

// ReleaseKeyword atomically drops every live lock for the keyword and
// returns the number removed. Operator escape hatch for wedged ranges.
func (m *Manager) ReleaseKeyword(ctx context.Context, keyword string) (int64, error) {
	n, err := m.store.ReleaseAll(ctx, KeywordPrefix(keyword))
	if err != nil {
		return 0, err
	}
	m.logger.Info().
		Str("keyword", keyword).
		Int64("released", n).
		Msg("Released all range locks for keyword")
	return n, nil
}

// Merge fuses a set of day ranges into the minimal sorted, disjoint,
// non-adjacent cover of the same days. Two ranges fuse when they
// overlap or when the second starts no later than the day after the
// first ends.
func Merge(ranges []models.DateRange) []models.DateRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]models.DateRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []models.DateRange{sorted[0]}
	for _, next := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Touches(next) {
			if next.End.After(last.End) {
				last.End = next.End
			}
			continue
		}
		out = append(out, next)
	}
	return out
}

// Subtract removes the overlapped days from the requested window and
// returns the ordered residual sub-ranges still needing a crawl. All
// bounds are treated at day granularity; overlaps may exceed the
// request on either side.
func Subtract(req models.DateRange, overlaps []models.DateRange) []models.DateRange {
	if len(overlaps) == 0 {
		return []models.DateRange{req}
	}

	sorted := make([]models.DateRange, len(overlaps))
	copy(sorted, overlaps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var out []models.DateRange
	cur := req.Start
	for _, o := range sorted {
		if o.End.Before(cur) || o.Start.After(req.End) {
			continue
		}
		if cur.Before(o.Start) {
			out = append(out, models.DateRange{Start: cur, End: models.PrevDay(o.Start)})
		}
		next := models.NextDay(o.End)
		if next.After(cur) {
			cur = next
		}
		if cur.After(req.End) {
			return out
		}
	}
	if !cur.After(req.End) {
		out = append(out, models.DateRange{Start: cur, End: req.End})
	}
	return out
}
