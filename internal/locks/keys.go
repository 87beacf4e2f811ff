package locks

import (
	"fmt"
	"strings"

	"github.com/colligohq/colligo/internal/models"
)

// EncodeKey renders the canonical lock key for a keyword and range:
// "<keyword>:<YYYY-MM-DD>:<YYYY-MM-DD>". The store layer prepends its
// own namespace; callers never see it.
func EncodeKey(keyword string, r models.DateRange) string {
	return keyword + ":" + models.FormatDay(r.Start) + ":" + models.FormatDay(r.End)
}

// KeywordPrefix returns the scan prefix matching every lock key held
// for a keyword.
func KeywordPrefix(keyword string) string {
	return keyword + ":"
}

// DecodeKey splits a lock key back into its keyword and range. The two
// date segments are taken from the right so keywords containing ':'
// survive the round trip.
func DecodeKey(key string) (string, models.DateRange, error) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return "", models.DateRange{}, fmt.Errorf("malformed lock key %q", key)
	}
	endStr := key[i+1:]

	rest := key[:i]
	j := strings.LastIndex(rest, ":")
	if j < 0 {
		return "", models.DateRange{}, fmt.Errorf("malformed lock key %q", key)
	}
	startStr := rest[j+1:]
	keyword := rest[:j]

	if keyword == "" {
		return "", models.DateRange{}, fmt.Errorf("lock key %q has empty keyword", key)
	}

	start, err := models.ParseDay(startStr)
	if err != nil {
		return "", models.DateRange{}, fmt.Errorf("lock key %q: %w", key, err)
	}
	end, err := models.ParseDay(endStr)
	if err != nil {
		return "", models.DateRange{}, fmt.Errorf("lock key %q: %w", key, err)
	}

	r, err := models.NewDateRange(start, end)
	if err != nil {
		return "", models.DateRange{}, fmt.Errorf("lock key %q: %w", key, err)
	}
	return keyword, r, nil
}
