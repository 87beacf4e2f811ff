package models

import (
	"encoding/json"
	"time"
)

// TwitterTimeLayout is the classic created_at layout emitted by the
// Twitter API ("Mon Jan 02 15:04:05 -0700 2006").
const TwitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// TweetRecord is one harvested document. The schema is owned by the
// scraping driver; the planner and stores only read full_text and
// created_at, so the record stays an open map and round-trips every
// field the driver produced.
type TweetRecord map[string]interface{}

// FullText returns the record's text body, preferring the extended
// full_text field over the legacy truncated text field.
func (t TweetRecord) FullText() string {
	if s, ok := t["full_text"].(string); ok {
		return s
	}
	if s, ok := t["text"].(string); ok {
		return s
	}
	return ""
}

// CreatedAt coerces the record's created_at value to a calendar day.
// The value may be a time, a string in one of the known layouts, or a
// unix-millisecond number depending on which hop (driver, Mongo, JSON)
// the record last crossed. Reports false when no usable value exists.
func (t TweetRecord) CreatedAt() (time.Time, bool) {
	v, ok := t["created_at"]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return Day(val), true
	case string:
		if d, err := ParseFlexibleDay(val); err == nil {
			return d, true
		}
	case float64:
		return Day(time.UnixMilli(int64(val))), true
	case int64:
		return Day(time.UnixMilli(val)), true
	case json.Number:
		if ms, err := val.Int64(); err == nil {
			return Day(time.UnixMilli(ms)), true
		}
	}
	return time.Time{}, false
}

// Coverage computes the min/max created_at window over a record set,
// the evidence the planner treats as already-crawled. Records without a
// usable created_at are ignored; ok is false when none contribute.
func Coverage(records []TweetRecord) (DateRange, bool) {
	var out DateRange
	found := false
	for _, rec := range records {
		day, ok := rec.CreatedAt()
		if !ok {
			continue
		}
		if !found {
			out = DateRange{Start: day, End: day}
			found = true
			continue
		}
		if day.Before(out.Start) {
			out.Start = day
		}
		if day.After(out.End) {
			out.End = day
		}
	}
	return out, found
}
