package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DayFormat is the canonical YYYY-MM-DD layout used in lock keys,
// queue payloads and range arithmetic.
const DayFormat = "2006-01-02"

// DateRange is an inclusive interval of calendar days.
// Both bounds are normalized to midnight UTC; Start never exceeds End.
// All range arithmetic (adjacency, subtraction, merging) operates on
// day granularity - timestamps with a time-of-day component are
// truncated to their date before use.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange builds a day-normalized range and rejects inverted bounds.
func NewDateRange(start, end time.Time) (DateRange, error) {
	s, e := Day(start), Day(end)
	if s.After(e) {
		return DateRange{}, fmt.Errorf("invalid date range: start %s after end %s", FormatDay(s), FormatDay(e))
	}
	return DateRange{Start: s, End: e}, nil
}

// Day truncates a timestamp to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDay returns the day after t at midnight UTC.
func NextDay(t time.Time) time.Time {
	return Day(t).AddDate(0, 0, 1)
}

// PrevDay returns the day before t at midnight UTC.
func PrevDay(t time.Time) time.Time {
	return Day(t).AddDate(0, 0, -1)
}

// ParseDay parses a YYYY-MM-DD string into a midnight-UTC timestamp.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders a timestamp as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return Day(t).Format(DayFormat)
}

// Days returns the number of calendar days covered by the range (inclusive).
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains reports whether the day of t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Equal reports whether both ranges cover the same days.
func (r DateRange) Equal(other DateRange) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}

// Intersects reports whether the two ranges share at least one day.
func (r DateRange) Intersects(other DateRange) bool {
	return !r.Start.After(other.End) && !other.Start.After(r.End)
}

// Clamp returns the intersection of r with the window, and whether one exists.
func (r DateRange) Clamp(window DateRange) (DateRange, bool) {
	if !r.Intersects(window) {
		return DateRange{}, false
	}
	out := r
	if window.Start.After(out.Start) {
		out.Start = window.Start
	}
	if window.End.Before(out.End) {
		out.End = window.End
	}
	return out, true
}

// Touches reports whether next overlaps r or starts no later than the day
// after r ends. Ranges that touch fuse into one during merging.
func (r DateRange) Touches(next DateRange) bool {
	return !next.Start.After(NextDay(r.End))
}

// String renders the range as "2024-01-01..2024-01-10".
func (r DateRange) String() string {
	return FormatDay(r.Start) + ".." + FormatDay(r.End)
}

// dateRangeWire is the queue/lock-key representation with plain day strings.
type dateRangeWire struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON encodes both bounds as YYYY-MM-DD strings.
func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateRangeWire{Start: FormatDay(r.Start), End: FormatDay(r.End)})
}

// UnmarshalJSON accepts YYYY-MM-DD bounds and normalizes them.
func (r *DateRange) UnmarshalJSON(data []byte) error {
	var w dateRangeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	start, err := ParseDay(w.Start)
	if err != nil {
		return err
	}
	end, err := ParseDay(w.End)
	if err != nil {
		return err
	}
	parsed, err := NewDateRange(start, end)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
