package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// Namespace prefixes every lock key so scans and bulk deletes in a
// shared Redis never touch unrelated keys. Callers work with bare
// keys; the prefix is applied and stripped inside this package.
const Namespace = "LOCK_"

// scanBatch is the COUNT hint for cursor scans.
const scanBatch = 200

// LockStore implements the range-lock store on Redis. Acquire wins
// or loses atomically through SET NX with a TTL.
type LockStore struct {
	client *goredis.Client
	logger arbor.ILogger
}

var _ interfaces.RangeLockStore = (*LockStore)(nil)

// lockValue is the JSON body stored under each lock key.
type lockValue struct {
	Timestamp int64 `json:"timestamp"` // Unix milliseconds at acquisition
}

// NewLockStore connects to Redis from the configured URL plus the
// credential and port overrides, and verifies the connection with a ping.
func NewLockStore(ctx context.Context, logger arbor.ILogger, config *common.RedisConfig) (*LockStore, error) {
	opts, err := clientOptions(config)
	if err != nil {
		return nil, err
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Debug().Str("addr", opts.Addr).Msg("Redis lock store connected")

	return &LockStore{client: client, logger: logger}, nil
}

// clientOptions builds client options from the URL, then applies the
// username/password/port overrides deployments set individually.
func clientOptions(config *common.RedisConfig) (*goredis.Options, error) {
	var opts *goredis.Options
	if strings.Contains(config.URL, "://") {
		parsed, err := goredis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		// Plain host:port form
		opts = &goredis.Options{Addr: config.URL}
	}

	if config.Username != "" {
		opts.Username = config.Username
	}
	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.Port > 0 {
		host, _, err := net.SplitHostPort(opts.Addr)
		if err != nil {
			host = opts.Addr
		}
		opts.Addr = net.JoinHostPort(host, strconv.Itoa(config.Port))
	}

	return opts, nil
}

// Acquire takes the lock named by key for ttl. Returns false when the
// key is already held; the existing lock and its TTL are untouched.
func (s *LockStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	body, err := json.Marshal(lockValue{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return false, models.Faultf(models.ReasonTransport, "failed to encode lock value: %w", err)
	}

	ok, err := s.client.SetNX(ctx, Namespace+key, body, ttl).Result()
	if err != nil {
		return false, models.Faultf(models.ReasonTransport, "redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the lock named by key. Returns false when the key
// had already expired or was never held.
func (s *LockStore) Release(ctx context.Context, key string) (bool, error) {
	deleted, err := s.client.Del(ctx, Namespace+key).Result()
	if err != nil {
		return false, models.Faultf(models.ReasonTransport, "redis DEL %s: %w", key, err)
	}
	return deleted > 0, nil
}

// Exists reports whether the lock named by key is currently held.
func (s *LockStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, Namespace+key).Result()
	if err != nil {
		return false, models.Faultf(models.ReasonTransport, "redis EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Scan returns every live lock key starting with prefix, namespace
// stripped. Uses cursor SCAN so large keyspaces never block the server.
func (s *LockStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := Namespace + escapeMatch(prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, models.Faultf(models.ReasonTransport, "redis SCAN %s: %w", pattern, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, Namespace))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// ReleaseAll deletes every lock starting with prefix in a single
// multi-key DEL and returns the number removed.
func (s *LockStore) ReleaseAll(ctx context.Context, prefix string) (int64, error) {
	keys, err := s.Scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = Namespace + k
	}

	deleted, err := s.client.Del(ctx, namespaced...).Result()
	if err != nil {
		return 0, models.Faultf(models.ReasonTransport, "redis DEL %d keys: %w", len(namespaced), err)
	}

	s.logger.Debug().Str("prefix", prefix).Int64("deleted", deleted).Msg("Released lock keys")
	return deleted, nil
}

// Ping verifies the connection is alive.
func (s *LockStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return models.Faultf(models.ReasonTransport, "redis PING: %w", err)
	}
	return nil
}

// Close releases the client's connection pool.
func (s *LockStore) Close() error {
	return s.client.Close()
}

// escapeMatch escapes glob metacharacters so a keyword containing
// *, ?, [ or ] scans as a literal prefix.
func escapeMatch(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
