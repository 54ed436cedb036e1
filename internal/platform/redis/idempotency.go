package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/task"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces idempotency keys.
const DefaultKeyPrefix = "taskforge:idempotency:"

// Values are stored as "<token>|<operation id>"; the operation id is empty
// while the reservation is in flight.
const separator = "|"

// commitScript binds the key to an operation unless another token holds it.
var commitScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and string.sub(current, 1, string.len(ARGV[1])) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// releaseScript deletes the key only while it is the caller's uncommitted
// reservation.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// IdempotencyCache implements task.IdempotencyCache on Redis. Reservations use
// SET NX; commits and releases are Lua scripts so that the token check and the
// write happen atomically.
type IdempotencyCache struct {
	client goredis.UniversalClient
	prefix string
}

var _ task.IdempotencyCache = (*IdempotencyCache)(nil)

// NewIdempotencyCache creates a cache using client. An empty prefix uses
// DefaultKeyPrefix.
func NewIdempotencyCache(client goredis.UniversalClient, prefix string) *IdempotencyCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &IdempotencyCache{client: client, prefix: prefix}
}

// Reserve implements task.IdempotencyCache.
func (c *IdempotencyCache) Reserve(ctx context.Context, key, token string, ttl time.Duration) (task.IdempotencyRecord, bool, error) {
	redisKey := c.prefix + key
	// The holder can expire between SET NX and GET; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := c.client.SetNX(ctx, redisKey, token+separator, ttl).Result()
		if err != nil {
			return task.IdempotencyRecord{}, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if ok {
			return task.IdempotencyRecord{Key: key, Token: token}, true, nil
		}

		value, err := c.client.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return task.IdempotencyRecord{}, false, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		rec, err := decodeRecord(key, value)
		if err != nil {
			return task.IdempotencyRecord{}, false, err
		}
		return rec, false, nil
	}
	return task.IdempotencyRecord{}, false, fmt.Errorf("idempotency key %q changed hands during reservation", key)
}

// Commit implements task.IdempotencyCache.
func (c *IdempotencyCache) Commit(ctx context.Context, key, token string, operationID uuid.UUID, retention time.Duration) error {
	value := token + separator + operationID.String()
	res, err := commitScript.Run(ctx, c.client,
		[]string{c.prefix + key},
		token+separator, value, retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to commit idempotency key: %w", err)
	}
	if res == 0 {
		return task.ErrReservationLost
	}
	return nil
}

// Release implements task.IdempotencyCache.
func (c *IdempotencyCache) Release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, c.client, []string{c.prefix + key}, token+separator).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func decodeRecord(key, value string) (task.IdempotencyRecord, error) {
	token, opID, found := strings.Cut(value, separator)
	if !found {
		return task.IdempotencyRecord{}, fmt.Errorf("malformed idempotency record for key %q", key)
	}
	rec := task.IdempotencyRecord{Key: key, Token: token}
	if opID == "" {
		return rec, nil
	}
	id, err := uuid.Parse(opID)
	if err != nil {
		return task.IdempotencyRecord{}, fmt.Errorf("malformed operation id for key %q: %w", key, err)
	}
	rec.OperationID = id
	return rec, nil
}
