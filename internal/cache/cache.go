// Package cache stores generated captions so that repeat requests for the
// same image and options skip the provider call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// Cache maps request keys to caption text.
type Cache interface {
	// Get returns the cached caption for key. ok is false on a miss.
	Get(ctx context.Context, key string) (caption string, ok bool, err error)
	Set(ctx context.Context, key, caption string) error
}

// Key derives a cache key from the parts that determine a caption. Parts are
// length-prefixed so that adjacent values cannot run together.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return "captioner:" + hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	caption string
	expires time.Time
}

// Memory is an in-process Cache with a fixed TTL.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration

	now func() time.Time
}

var _ Cache = &Memory{}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{entries: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.caption, true, nil
}

func (m *Memory) Set(_ context.Context, key, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{caption: caption, expires: m.now().Add(m.ttl)}
	return nil
}

// Redis is a Cache backed by a Redis server, shared between processes.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ Cache = &Redis{}

// NewRedis connects to the server at addr and checks it is reachable.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, caption string) error {
	return r.rdb.Set(ctx, key, caption, r.ttl).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
