package events

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel shared by the API and worker.
const Channel = "outreach:events"

// RedisTransport bridges the bus across processes via Redis pub/sub.
type RedisTransport struct {
	rdb     *redis.Client
	channel string
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb, channel: Channel}
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	return t.rdb.Publish(ctx, t.channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := t.rdb.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LoopbackTransport delivers envelopes in-process. Used in tests and in
// single-process deployments that do not run a separate worker.
type LoopbackTransport struct {
	mu   sync.Mutex
	subs []chan []byte
}

func NewLoopbackTransport() *LoopbackTransport { return &LoopbackTransport{} }

func (t *LoopbackTransport) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		// Slow subscribers drop rather than block the publisher.
		select {
		case sub <- payload:
		default:
		}
	}
	return nil
}

func (t *LoopbackTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 256)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch, nil
}
