package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "stock:"
	channelPrefix = "prices."
)

// Compile-time check to ensure RedisStore implements QuoteStore
var _ QuoteStore = (*RedisStore)(nil)

type RedisStore struct {
	client *redis.Client
	pubsub *redis.PubSub
	mu     sync.Mutex // Protects pubsub subscribe/unsubscribe
}

func NewRedisStore(client *redis.Client) *RedisStore {
	ps := client.Subscribe(context.Background())
	return &RedisStore{
		client: client,
		pubsub: ps,
	}
}

func (r *RedisStore) SetQuote(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error {
	return r.client.Set(ctx, keyPrefix+symbol, payload, ttl).Err()
}

// SetAndPublish pipelines SET + PUBLISH so readers of the key and the
// channel see the same payload.
func (r *RedisStore) SetAndPublish(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.Set(ctx, keyPrefix+symbol, payload, ttl)
	pipe.Publish(ctx, channelPrefix+symbol, payload)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetQuote(ctx context.Context, symbol string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+symbol).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// GetSnapshots fetches the latest cached payloads for a list of symbols (MGET)
func (r *RedisStore) GetSnapshots(ctx context.Context, symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = keyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) DeleteQuote(ctx context.Context, symbol string) error {
	return r.client.Del(ctx, keyPrefix+symbol).Err()
}

func (r *RedisStore) Exists(ctx context.Context, symbol string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+symbol).Result()
	return n > 0, err
}

func (r *RedisStore) TTL(ctx context.Context, symbol string) (time.Duration, error) {
	return r.client.TTL(ctx, keyPrefix+symbol).Result()
}

// SubscribeToFeed tells Redis we want to listen to this symbol's channel
func (r *RedisStore) SubscribeToFeed(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub.Subscribe(ctx, channelPrefix+symbol)
}

// UnsubscribeFromFeed tells Redis to stop sending messages for this channel
func (r *RedisStore) UnsubscribeFromFeed(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub.Unsubscribe(ctx, channelPrefix+symbol)
}

// RunPubSub is a blocking loop that reads messages from Redis and triggers
// the callback with the bare symbol and the raw payload.
func (r *RedisStore) RunPubSub(ctx context.Context, onMessage func(symbol string, payload string)) {
	ch := r.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			symbol := strings.TrimPrefix(msg.Channel, channelPrefix)
			if symbol == msg.Channel {
				continue
			}
			onMessage(symbol, msg.Payload)
		}
	}
}

func (r *RedisStore) Close() error {
	if err := r.pubsub.Close(); err != nil {
		return err
	}
	return r.client.Close()
}
