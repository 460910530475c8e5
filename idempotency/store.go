// Package idempotency remembers which messages were already delivered so that
// a redelivered message is dispatched only once.
//
// Transports with at-least-once delivery (Redis Streams reclaiming pending
// entries, a MongoDB change stream reopened after an error) may hand the same
// message to a subscriber twice. A bus source configured with a Store claims
// each message key before dispatching it and drops messages whose key was
// already claimed.
//
//	store := idempotency.NewMemoryStore(time.Hour)
//	defer store.Close()
//
//	src := bus.New(tr, bus.WithIdempotency(store))
//
// For several processes sharing a transport use NewRedisStore, which claims
// keys with SET NX.
package idempotency

import (
	"context"
	"errors"
)

// ErrEmptyKey is returned when claiming or releasing an empty key.
var ErrEmptyKey = errors.New("idempotency: empty key")

// Store records claimed message keys until they expire.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Claim records key and reports whether this call recorded it.
	// false means the key was already claimed and has not expired.
	Claim(ctx context.Context, key string) (bool, error)

	// Release forgets key so that it can be claimed again.
	// Releasing an unknown key is not an error.
	Release(ctx context.Context, key string) error
}
