package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bountypay:idem:"

// reserveScript sets the record unless a live one exists. A live record is
// completed, or in progress with an unexpired lock. Returns the existing value
// when the reservation is refused, nil when it succeeded.
var reserveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local rec = cjson.decode(cur)
	if rec.status == 'completed' or tonumber(rec.lockedUntilMs) > tonumber(ARGV[2]) then
		return cur
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return false
`)

// releaseScript deletes the record only while it is still in progress.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec.status == 'in_progress' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// redisRecord is the stored form; times are unix milliseconds so the Lua
// scripts can compare them.
type redisRecord struct {
	RequestHash   string          `json:"requestHash"`
	Status        Status          `json:"status"`
	Response      json.RawMessage `json:"response,omitempty"`
	LockedUntilMs int64           `json:"lockedUntilMs"`
	ExpiresAtMs   int64           `json:"expiresAtMs"`
	CreatedAtMs   int64           `json:"createdAtMs"`
}

func (r redisRecord) toRecord(key string) *Record {
	return &Record{
		Key:         key,
		RequestHash: r.RequestHash,
		Status:      r.Status,
		Response:    r.Response,
		LockedUntil: time.UnixMilli(r.LockedUntilMs).UTC(),
		ExpiresAt:   time.UnixMilli(r.ExpiresAtMs).UTC(),
		CreatedAt:   time.UnixMilli(r.CreatedAtMs).UTC(),
	}
}

// RedisStore shares keys between instances through Redis. It cannot join a
// SQL transaction: results are recorded after commit and reservations are
// released on rollback.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a key store on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Transactional() bool { return false }

func (s *RedisStore) Reserve(ctx context.Context, key, requestHash string, lockFor, ttl time.Duration) (*Reservation, error) {
	now := s.now()
	val, err := json.Marshal(redisRecord{
		RequestHash:   requestHash,
		Status:        StatusInProgress,
		LockedUntilMs: now.Add(lockFor).UnixMilli(),
		ExpiresAtMs:   now.Add(ttl).UnixMilli(),
		CreatedAtMs:   now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	existing, err := reserveScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		string(val), now.UnixMilli(), ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return &Reservation{Fresh: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}

	var rec redisRecord
	if err := json.Unmarshal([]byte(existing), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &Reservation{Fresh: false, Record: rec.toRecord(key)}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, response []byte) error {
	rk := redisKeyPrefix + key
	raw, err := s.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("load idempotency key: %w", err)
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}
	rec.Status = StatusCompleted
	rec.Response = response
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.SetArgs(ctx, rk, val, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKeyPrefix + key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
