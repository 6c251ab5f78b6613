package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// subscriberBuffer bounds each subscriber channel. A consumer that falls
// this far behind starts losing messages rather than stalling publishers.
const subscriberBuffer = 1024

// MemoryBus is the in-process bus used in dry-run mode and tests. Each
// subject fans out to every subscriber.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

// Publish marshals the payload and hands it to every subscriber of the
// subject. Full subscriber buffers drop, matching the at-least-once
// contract where redelivery comes from upstream, not from the bus.
func (b *MemoryBus) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}

	for _, ch := range b.subs[subject] {
		select {
		case ch <- Message{Subject: subject, Data: data}:
		default:
			log.Warn().Str("subject", subject).Msg("⚠️ subscriber buffer full, message dropped")
		}
	}
	return nil
}

// Subscribe registers a fan-out channel for the subject. The channel
// closes when ctx is cancelled or the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	b.subs[subject] = append(b.subs[subject], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(subject, ch)
	}()
	return ch, nil
}

func (b *MemoryBus) remove(subject string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	subs := b.subs[subject]
	for i, c := range subs {
		if c == ch {
			b.subs[subject] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close shuts the bus and closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = nil
	return nil
}
