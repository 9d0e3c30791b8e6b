package repository

import (
	"context"
	"time"
)

// QuoteStore is the narrow contract the pipeline needs from the cache
// store: keyed quote values with TTL plus per-symbol publish/subscribe.
type QuoteStore interface {
	// SetQuote writes the symbol's payload with a TTL.
	SetQuote(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error
	// SetAndPublish atomically writes the payload and publishes it on the
	// symbol's change channel.
	SetAndPublish(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error
	GetQuote(ctx context.Context, symbol string) ([]byte, bool, error)
	GetSnapshots(ctx context.Context, symbols []string) ([]string, error)
	DeleteQuote(ctx context.Context, symbol string) error
	Exists(ctx context.Context, symbol string) (bool, error)
	TTL(ctx context.Context, symbol string) (time.Duration, error)

	SubscribeToFeed(ctx context.Context, symbol string) error
	UnsubscribeFromFeed(ctx context.Context, symbol string) error
	RunPubSub(ctx context.Context, onMessage func(symbol string, payload string))

	Close() error
}
