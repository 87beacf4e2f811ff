package models

import (
	"errors"
	"fmt"
)

// Reason classifies a surfaced failure so envelopes can carry a
// machine-readable cause alongside the human-readable error text.
type Reason string

const (
	// ReasonTransport marks lock-store, document-store or broker I/O failures.
	// Transport failures are retryable from the caller's point of view.
	ReasonTransport Reason = "TRANSPORT"
	// ReasonServerBusy marks a worker instance that already has a job in flight.
	ReasonServerBusy Reason = "SERVER_BUSY"
	// ReasonNoTweetFound marks a job that finished with zero harvested records.
	ReasonNoTweetFound Reason = "NO_TWEET_FOUND"
	// ReasonCrawlFailed marks an external crawl invocation that returned an error.
	ReasonCrawlFailed Reason = "CRAWL_FAILED"
	// ReasonBadInput marks a job payload missing required fields. Not retried.
	ReasonBadInput Reason = "BAD_INPUT"
	// ReasonUnknownDestination marks a routing target with no configured worker class.
	ReasonUnknownDestination Reason = "UNKNOWN_DESTINATION"
)

// Fault pairs an error with its Reason so failures keep their classification
// while travelling up through ordinary error returns.
type Fault struct {
	Reason Reason
	Err    error
}

// NewFault wraps err with a reason. A nil err produces a bare reason error.
func NewFault(reason Reason, err error) *Fault {
	return &Fault{Reason: reason, Err: err}
}

// Faultf builds a classified error from a format string.
func Faultf(reason Reason, format string, args ...interface{}) *Fault {
	return &Fault{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the Reason carried by err, unwrapping as needed.
// Errors without a classification report ReasonTransport, the conservative
// retryable default for I/O paths.
func ReasonOf(err error) Reason {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonTransport
}
