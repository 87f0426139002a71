package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RedisBroker publishes over Redis pub/sub so a subscriber on one instance
// sees sessions running on another.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBroker creates a RedisBroker on client.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client, prefix: "research:progress:"}
}

func (b *RedisBroker) channel(sessionID string) string {
	return b.prefix + sessionID
}

func (b *RedisBroker) Publish(ctx context.Context, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "progress: marshal")
	}
	return eris.Wrap(b.client.Publish(ctx, b.channel(p.SessionID), data).Err(), "progress: publish")
}

func (b *RedisBroker) Subscribe(ctx context.Context, sessionID string) (<-chan Progress, func()) {
	ctx, stop := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, b.channel(sessionID))
	out := make(chan Progress, subscriberBuffer)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			ps.Close() //nolint:errcheck
		})
	}

	go func() {
		defer close(out)
		defer cancel()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p Progress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					zap.L().Warn("progress: bad message", zap.String("session_id", sessionID), zap.Error(err))
					continue
				}
				deliver(out, p)
			}
		}
	}()
	return out, cancel
}

// Ready blocks until the subscription for sessionID is confirmed by the
// server. Tests use it to avoid racing the first publish.
func (b *RedisBroker) Ready(ctx context.Context, sessionID string) error {
	for {
		n, err := b.client.PubSubNumSub(ctx, b.channel(sessionID)).Result()
		if err != nil {
			return eris.Wrap(err, "progress: numsub")
		}
		if n[b.channel(sessionID)] > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
