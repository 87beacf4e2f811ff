package models

import (
	"errors"
	"time"
)

// ErrNoMessage is returned when the spool is empty
var ErrNoMessage = errors.New("no messages in spool")

// SpoolEntry is one journalled broker publish awaiting redelivery.
// Entries are written when a publish fails while the broker is down or
// blocked, and drained on reconnect.
type SpoolEntry struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Body         []byte    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}
