package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

const (
	msgPrefix   = "spool:msg:"
	indexPrefix = "spool:index:"
)

// Spool implements a persistent outbound journal on BadgerDB. Broker
// publishes that fail while the connection is down are enqueued here
// and drained once the gateway reconnects. Entries follow the
// visibility-timeout idiom: a received entry becomes invisible for the
// timeout and reappears unless its delete function is called, so a
// gateway crash mid-drain never loses a notification.
type Spool struct {
	db                *badger.DB
	logger            arbor.ILogger
	visibilityTimeout time.Duration
	maxReceive        int
}

var _ interfaces.Spool = (*Spool)(nil)

// NewSpool creates a spool over an open Badger database.
func NewSpool(db *badger.DB, logger arbor.ILogger, visibilityTimeout time.Duration, maxReceive int) (*Spool, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute // Default
	}
	if maxReceive <= 0 {
		maxReceive = 3 // Default
	}

	return &Spool{
		db:                db,
		logger:            logger,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue journals one payload destined for the named broker queue.
func (s *Spool) Enqueue(ctx context.Context, queue string, body []byte) error {
	entry := models.SpoolEntry{
		ID:         uuid.New().String(),
		Queue:      queue,
		Body:       body,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(), // Immediately visible
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal spool entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(s.msgKey(entry.ID), data); err != nil {
			return err
		}
		return txn.Set(s.indexKey(entry.VisibleAt, entry.ID), []byte{})
	})
	if err != nil {
		return models.Faultf(models.ReasonTransport, "spool enqueue for %s: %w", queue, err)
	}

	s.logger.Debug().
		Str("spool_id", entry.ID).
		Str("queue", queue).
		Int("bytes", len(body)).
		Msg("Journalled undeliverable publish")
	return nil
}

// Receive claims the next visible entry and returns it with a delete
// function. The entry is redelivered after the visibility timeout
// unless the delete function confirms it; entries received more than
// maxReceive times are dropped as poison.
func (s *Spool) Receive(ctx context.Context) (*models.SpoolEntry, func() error, error) {
	var entry models.SpoolEntry
	var entryID string
	var oldIndexKey []byte

	err := s.db.Update(func(txn *badger.Txn) error {
		// The index keys sort by visibility timestamp, so iteration
		// visits entries oldest-visible first.
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(indexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := s.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}
			if ts.After(now) {
				// Keys are sorted by timestamp; nothing later is ready either.
				break
			}

			itemMsg, err := txn.Get(s.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Index without data is leftover state; clean it up.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if err := itemMsg.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}

			if entry.ReceiveCount >= s.maxReceive {
				// Poison entry: drop it so the drain loop cannot wedge.
				s.logger.Warn().
					Str("spool_id", id).
					Str("queue", entry.Queue).
					Int("receive_count", entry.ReceiveCount).
					Msg("Dropping spool entry after max receives")
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(s.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			found = true
			entryID = id
			oldIndexKey = key
			break
		}

		if !found {
			return models.ErrNoMessage
		}

		// Claim: bump the receive count and push visibility out.
		entry.ReceiveCount++
		entry.VisibleAt = time.Now().Add(s.visibilityTimeout)

		newData, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(s.msgKey(entryID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(s.indexKey(entry.VisibleAt, entryID), []byte{})
	})

	if err != nil {
		if errors.Is(err, models.ErrNoMessage) {
			return nil, nil, models.ErrNoMessage
		}
		return nil, nil, models.Faultf(models.ReasonTransport, "spool receive: %w", err)
	}

	deleteFn := func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(s.msgKey(entryID))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil // Already deleted
				}
				return err
			}

			var current models.SpoolEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}

			if err := txn.Delete(s.indexKey(current.VisibleAt, entryID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Delete(s.msgKey(entryID))
		})
	}

	return &entry, deleteFn, nil
}

// Len reports how many entries are journalled, visible or not.
func (s *Spool) Len(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(msgPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, models.Faultf(models.ReasonTransport, "spool len: %w", err)
	}
	return count, nil
}

// Close closes the spool. The underlying database is managed by its
// owner and stays open.
func (s *Spool) Close() error {
	return nil
}

func (s *Spool) msgKey(id string) []byte {
	return []byte(msgPrefix + id)
}

func (s *Spool) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexicographic ordering matches numeric
	return []byte(fmt.Sprintf("%s%020d:%s", indexPrefix, visibleAt.UnixNano(), id))
}

func (s *Spool) parseIndexKey(key []byte) (time.Time, string, error) {
	if len(key) <= len(indexPrefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(indexPrefix):])
	if len(suffix) < 22 { // 20 digits + colon + at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
