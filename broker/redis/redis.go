// Package redis provides a broker.Broker on Redis Streams, so client and
// server processes on different hosts can exchange frames.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-client-go/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	block     time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "mcp:client:broker:" if empty.
	KeyPrefix string
	// Block bounds each XREAD so context cancellation is observed. Defaults
	// to one second.
	Block time.Duration
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcp:client:broker:"
	}
	block := config.Block
	if block <= 0 {
		block = time.Second
	}
	return &Broker{client: client, keyPrefix: keyPrefix, block: block}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Publish(ctx context.Context, namespace string, message []byte) (string, error) {
	streamKey := b.streamKey(namespace)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": message},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID := "$"
	if lastEventID != "" {
		startID = lastEventID
	}
	// "$" only means "latest" on the first read; pin it to a concrete ID so
	// messages published between reads are not skipped.
	if startID == "$" {
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read stream tail %s: %w", streamKey, err)
		}
		startID = "0"
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   64,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup deletes the namespace's stream. Subscribers keep blocking until
// their context ends, since Redis does not signal deletion to readers.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	if err := b.client.Del(ctx, b.streamKey(namespace)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
