package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the pub/sub channel changes travel on.
const DefaultChannel = "meditrack:changes"

// RedisBus publishes changes on a redis channel so every server replica sees
// every write. One subscription per process feeds a local MemoryBus.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *MemoryBus
	logger  zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		local:   NewMemoryBus(),
		logger:  logger.With().Str("component", "livequery.redis").Logger(),
	}
}

// Start subscribes to the channel and returns once redis confirmed the
// subscription.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = pubsub
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.receive(runCtx, pubsub.Channel(), b.done)
	return nil
}

func (b *RedisBus) receive(ctx context.Context, msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed change")
				continue
			}
			_ = b.local.Publish(ctx, change)
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(collections ...string) (<-chan Change, func()) {
	return b.local.Listen(collections...)
}

// Close stops the subscription. Open listeners stay valid but go quiet.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub, cancel, done := b.pubsub, b.cancel, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	cancel()
	err := pubsub.Close()
	<-done
	return err
}
