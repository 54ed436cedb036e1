package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrReservationLost is returned by Commit when another submitter replaced an
// expired reservation.
var ErrReservationLost = errors.New("idempotency reservation lost")

// IdempotencyRecord is the state stored under an idempotency key. While the
// first submission is in flight only Token is set; once it commits,
// OperationID identifies the operation every later submission resolves to.
type IdempotencyRecord struct {
	Key         string
	Token       string
	OperationID uuid.UUID
}

// Committed reports whether the record points at a persisted operation.
func (r IdempotencyRecord) Committed() bool {
	return r.OperationID != uuid.Nil
}

// IdempotencyCache maps idempotency keys to operations. Reserve must be
// atomic across every process sharing the cache: for a given key exactly one
// caller sees reserved == true until that reservation is committed, released
// or expires.
type IdempotencyCache interface {
	// Reserve claims key for the caller identified by token. If the key is
	// already held, it returns the existing record and reserved == false.
	Reserve(ctx context.Context, key, token string, ttl time.Duration) (record IdempotencyRecord, reserved bool, err error)

	// Commit binds the key to an operation for the retention period.
	Commit(ctx context.Context, key, token string, operationID uuid.UUID, retention time.Duration) error

	// Release drops an uncommitted reservation held by token.
	Release(ctx context.Context, key, token string) error
}

type memoryEntry struct {
	record    IdempotencyRecord
	expiresAt time.Time
}

// MemoryIdempotencyCache is an IdempotencyCache for a single process.
type MemoryIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryIdempotencyCache creates an empty cache.
func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryIdempotencyCache) lookupLocked(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if ok && !e.expiresAt.After(c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, ok
}

// Reserve implements IdempotencyCache.
func (c *MemoryIdempotencyCache) Reserve(ctx context.Context, key, token string, ttl time.Duration) (IdempotencyRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookupLocked(key); ok {
		return e.record, false, nil
	}
	rec := IdempotencyRecord{Key: key, Token: token}
	c.entries[key] = memoryEntry{record: rec, expiresAt: c.now().Add(ttl)}
	return rec, true, nil
}

// Commit implements IdempotencyCache.
func (c *MemoryIdempotencyCache) Commit(ctx context.Context, key, token string, operationID uuid.UUID, retention time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookupLocked(key); ok && e.record.Token != token {
		return ErrReservationLost
	}
	c.entries[key] = memoryEntry{
		record:    IdempotencyRecord{Key: key, Token: token, OperationID: operationID},
		expiresAt: c.now().Add(retention),
	}
	return nil
}

// Release implements IdempotencyCache.
func (c *MemoryIdempotencyCache) Release(ctx context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookupLocked(key); ok && e.record.Token == token && !e.record.Committed() {
		delete(c.entries, key)
	}
	return nil
}
