package supervisor

import (
	"sync"
	"time"

	"github.com/colligohq/colligo/internal/models"
)

// pendingEntry is one routed envelope awaiting its terminal ack.
type pendingEntry struct {
	env        models.Envelope
	insertedAt time.Time
}

// PendingTable tracks every envelope delivered to a worker class until
// a terminal acknowledgement with the same message id arrives. Entries
// are keyed uniquely by message id and ordered per class, so a respawn
// can replay exactly what the dead instance still owed, in order.
//
// The table is shared between the supervisor loop and the maintenance
// sweep, hence the mutex.
type PendingTable struct {
	mu      sync.Mutex
	byClass map[string][]pendingEntry
	classOf map[string]string // message id -> class
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		byClass: make(map[string][]pendingEntry),
		classOf: make(map[string]string),
	}
}

// Insert records an envelope under the class it was routed to. Reports
// false when the message id is already tracked; re-routed and replayed
// envelopes keep their original entry and position.
func (t *PendingTable) Insert(class string, env models.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.classOf[env.MessageID]; exists {
		return false
	}
	t.classOf[env.MessageID] = class
	t.byClass[class] = append(t.byClass[class], pendingEntry{env: env, insertedAt: time.Now()})
	return true
}

// Remove clears the entry for a message id, returning the class it was
// tracked under. Reports false for unknown ids (a late or duplicate ack).
func (t *PendingTable) Remove(messageID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	class, ok := t.classOf[messageID]
	if !ok {
		return "", false
	}
	delete(t.classOf, messageID)
	t.byClass[class] = t.removeFromClass(class, messageID)
	return class, true
}

// Get returns the envelope tracked for a message id, as it was when
// first routed.
func (t *PendingTable) Get(messageID string) (models.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	class, ok := t.classOf[messageID]
	if !ok {
		return models.Envelope{}, false
	}
	for _, e := range t.byClass[class] {
		if e.env.MessageID == messageID {
			return e.env, true
		}
	}
	return models.Envelope{}, false
}

// ForClass returns the tracked envelopes for a class in insertion order.
func (t *PendingTable) ForClass(class string) []models.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.byClass[class]
	out := make([]models.Envelope, len(entries))
	for i, e := range entries {
		out[i] = e.env
	}
	return out
}

// Len reports the total number of tracked envelopes.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.classOf)
}

// Sweep drops entries older than ttl and returns them so the caller
// can log each expiry. Unroutable messages age out here instead of
// leaking forever.
func (t *PendingTable) Sweep(now time.Time, ttl time.Duration) []models.Envelope {
	if ttl <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []models.Envelope
	cutoff := now.Add(-ttl)
	for class, entries := range t.byClass {
		kept := entries[:0]
		for _, e := range entries {
			if e.insertedAt.Before(cutoff) {
				expired = append(expired, e.env)
				delete(t.classOf, e.env.MessageID)
				continue
			}
			kept = append(kept, e)
		}
		t.byClass[class] = kept
	}
	return expired
}

// removeFromClass drops one entry from a class slice, preserving order.
// Caller holds the mutex.
func (t *PendingTable) removeFromClass(class, messageID string) []pendingEntry {
	entries := t.byClass[class]
	for i, e := range entries {
		if e.env.MessageID == messageID {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
