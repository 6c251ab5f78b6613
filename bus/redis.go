package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisPingTimeout = 5 * time.Second

// RedisBus is the production bus: Redis Pub/Sub, one channel per subject.
type RedisBus struct {
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

// NewRedisBus connects and pings. The URL follows redis://[:pass@]host:port/db.
func NewRedisBus(url string) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", opt.Addr).Msg("✅ Connected to Redis bus")
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return b.client.Publish(ctx, subject, data).Err()
}

// Subscribe opens a Pub/Sub channel for the subject and bridges it onto a
// Message channel. The bridge goroutine exits when ctx is done or the
// underlying Pub/Sub closes.
func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	ps := b.client.Subscribe(ctx, subject)
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	// force the SUBSCRIBE round trip so a bad subject fails here, not later
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		src := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Subject: msg.Channel, Data: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	return b.client.Close()
}
