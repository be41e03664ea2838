// Package broker is the leaf connection to the pub/sub and key-value store
// that carries run telemetry. It knows about channels, lists and payload
// bytes; event semantics live in eventbus.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Subscription.Receive once the subscription or the
// underlying client has been closed.
var ErrClosed = errors.New("broker subscription closed")

// ErrLagged is returned once by Subscription.Receive after the subscriber
// fell behind and payloads were dropped. The subscription stays open.
var ErrLagged = errors.New("broker subscription lagged")

type Client interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the server has confirmed the subscription, so
	// anything published after it returns is delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// AppendBounded appends payload to the list at key, keeps only the last
	// limit entries and refreshes the key's ttl.
	AppendBounded(ctx context.Context, key string, payload []byte, limit int, ttl time.Duration) error
	// Range returns the whole list at key, oldest first.
	Range(ctx context.Context, key string) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
