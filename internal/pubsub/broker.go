// Package pubsub fans room events out to every server instance through a
// shared broker.
package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"
)

// ErrBrokerClosed is returned by a broker after Close.
var ErrBrokerClosed = errors.New("pubsub: broker closed")

// HandlerFunc receives one published payload and the channel it arrived on.
type HandlerFunc func(channel string, payload []byte)

// Broker is the minimal publish/pattern-subscribe surface the broadcaster
// needs. Subscribe blocks until ctx ends or the subscription breaks.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, fn HandlerFunc) error
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context) (Broker, error)

// StaticDialer always hands out b.
func StaticDialer(b Broker) DialFunc {
	return func(context.Context) (Broker, error) { return b, nil }
}

// MemoryBroker delivers within one process. It backs single-instance
// deployments and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[int]memorySub
	next   int
	closed bool
	done   chan struct{}
}

type memorySub struct {
	pattern string
	fn      HandlerFunc
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]memorySub), done: make(chan struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	var targets []HandlerFunc
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); ok {
			targets = append(targets, s.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range targets {
		fn(channel, append([]byte(nil), payload...))
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, pattern string, fn HandlerFunc) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	id := b.next
	b.next++
	b.subs[id] = memorySub{pattern: pattern, fn: fn}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBrokerClosed
	}
}

// Subscribers reports the number of active subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
