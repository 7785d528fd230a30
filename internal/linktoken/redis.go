package linktoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// consumedMarker replaces the token payload after a successful
// consumption so a repeat redemption reports ErrConsumed instead of
// ErrNotFound for as long as the tombstone lives.
const consumedMarker = "consumed"

// tombstoneTTL bounds how long a consumed token hash is remembered.
const tombstoneTTL = time.Hour

// RedisStore implements Store on Redis. Consumption swaps the payload
// for the tombstone in a single script, so of two concurrent
// redemptions exactly one receives the payload and the other always
// sees the tombstone.
type RedisStore struct {
	client *redis.Client
}

// consumeScript atomically replaces the stored value with the consumed
// tombstone and returns whatever was there before, or nil when the key
// does not exist.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	return false
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
return v
`)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

type redisRecord struct {
	IdentityID string    `json:"identity_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func key(tokenHash string) string {
	return "linktoken:" + tokenHash
}

func (s *RedisStore) Insert(ctx context.Context, rec Record) error {
	data, err := json.Marshal(redisRecord{IdentityID: rec.IdentityID, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return fmt.Errorf("linktoken: marshal record: %w", err)
	}
	// Physical TTL outlives the logical expiry so Consume can still
	// report ErrExpired instead of ErrNotFound shortly after expiry.
	ttl := time.Until(rec.ExpiresAt) + tombstoneTTL
	ok, err := s.client.SetNX(ctx, key(rec.TokenHash), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("linktoken: store token: %w", err)
	}
	if !ok {
		return fmt.Errorf("linktoken: token hash collision")
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	data, err := consumeScript.Run(ctx, s.client, []string{key(tokenHash)},
		consumedMarker, int64(tombstoneTTL/time.Second)).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("linktoken: consume token: %w", err)
	}
	if data == consumedMarker {
		return "", ErrConsumed
	}

	var rec redisRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return "", fmt.Errorf("linktoken: decode record: %w", err)
	}
	if !rec.ExpiresAt.After(now) {
		return "", ErrExpired
	}
	return rec.IdentityID, nil
}
