package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Job is one inbound scrape request: harvest tweets matching Keyword
// between Start and End (inclusive calendar days). Jobs are immutable
// once decoded; per-job mutable state lives on the worker processing it.
type Job struct {
	ProjectID   string    `json:"project_id"`
	Keyword     string    `json:"keyword"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AccessToken string    `json:"access_token"`
}

// jobWire is the payload shape consumed from the project queue.
// Producers send more fields than we read; unknown fields are ignored.
type jobWire struct {
	ProjectID  FlexibleID `json:"project_id" validate:"required"`
	Keyword    string     `json:"keyword" validate:"required"`
	StartDate  string     `json:"start_date_crawl" validate:"required"`
	EndDate    string     `json:"end_date_crawl" validate:"required"`
	TweetToken string     `json:"tweetToken"`
}

// FlexibleID accepts both string and numeric JSON identifiers. Some
// producers emit Mongo ObjectID hex strings, others plain integers.
type FlexibleID string

// UnmarshalJSON keeps string ids verbatim and renders numeric ids as
// their literal digits.
func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	*f = FlexibleID(strings.TrimSpace(string(b)))
	return nil
}

var jobValidator = validator.New()

// JobFromWire decodes and validates a queue payload into a Job.
// Missing required fields, unparseable dates and inverted windows all
// classify as BAD_INPUT so the caller completes without retrying.
func JobFromWire(data []byte) (Job, error) {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Job{}, NewFault(ReasonBadInput, fmt.Errorf("malformed job payload: %w", err))
	}
	if err := jobValidator.Struct(&w); err != nil {
		return Job{}, NewFault(ReasonBadInput, fmt.Errorf("job payload missing required fields: %w", err))
	}

	start, err := ParseFlexibleDay(w.StartDate)
	if err != nil {
		return Job{}, NewFault(ReasonBadInput, fmt.Errorf("start_date_crawl: %w", err))
	}
	end, err := ParseFlexibleDay(w.EndDate)
	if err != nil {
		return Job{}, NewFault(ReasonBadInput, fmt.Errorf("end_date_crawl: %w", err))
	}

	job := Job{
		ProjectID:   string(w.ProjectID),
		Keyword:     strings.TrimSpace(w.Keyword),
		Start:       Day(start),
		End:         Day(end),
		AccessToken: w.TweetToken,
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Validate enforces the job invariants: non-empty keyword, start not
// after end. Violations are BAD_INPUT faults.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Keyword) == "" {
		return Faultf(ReasonBadInput, "job keyword is empty")
	}
	if j.Start.After(j.End) {
		return Faultf(ReasonBadInput, "job start %s after end %s", FormatDay(j.Start), FormatDay(j.End))
	}
	return nil
}

// Range returns the requested crawl window as a day-normalized range.
func (j Job) Range() DateRange {
	return DateRange{Start: Day(j.Start), End: Day(j.End)}
}

// KeywordPattern builds the case-insensitive alternation used to match
// harvested text against the job keyword: whitespace-separated tokens
// joined by "|". Regex metacharacters inside tokens are escaped.
func (j Job) KeywordPattern() string {
	return KeywordPattern(j.Keyword)
}

// KeywordPattern derives the token alternation for an arbitrary keyword.
func KeywordPattern(keyword string) string {
	tokens := strings.Fields(keyword)
	escaped := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		escaped = append(escaped, regexpQuoteMeta(tok))
	}
	return strings.Join(escaped, "|")
}

// regexpQuoteMeta mirrors regexp.QuoteMeta without pulling the regexp
// package into every importer of models.
func regexpQuoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '.', '+', '*', '?', '(', ')', '|', '[', ']', '{', '}', '^', '$':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseFlexibleDay parses a day that may arrive as YYYY-MM-DD, an RFC3339
// timestamp or the classic Twitter layout, truncating any time-of-day
// component.
func ParseFlexibleDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{DayFormat, time.RFC3339, TwitterTimeLayout}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
