package store

import (
	"context"
	"time"
)

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Messages is closed when the
// subscription is closed or the underlying connection drops.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the capability contract against the shared session store.
// All conditional operations (SetNX, CompareAndSwap, CompareAndDelete) must be
// atomic on the server side; callers rely on them for cross-process mutual
// exclusion.
type Store interface {
	Get(ctx context.Context, key string) (val string, found bool, err error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CompareAndSwap sets key to next with ttl only if its current value equals expect.
	CompareAndSwap(ctx context.Context, key, expect, next string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals expect.
	// Returns true when the key was deleted or did not exist.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
}
