// Package redis provides a Redis-backed task.IdempotencyCache so that every
// engine process sharing one Redis instance agrees on idempotency keys.
package redis
