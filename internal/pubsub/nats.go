package pubsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBroker carries room channels over core NATS subjects. Channel
// "room:12" travels as subject "room.12" and pattern "room:*" as "room.*".
type NATSBroker struct {
	nc     *nats.Conn
	closed chan struct{}
}

func DialNATS(_ context.Context, url string) (*NATSBroker, error) {
	closed := make(chan struct{})
	nc, err := nats.Connect(url,
		nats.Name("mentorchat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBroker{nc: nc, closed: closed}, nil
}

// NATSDialer returns a DialFunc for url.
func NATSDialer(url string) DialFunc {
	return func(ctx context.Context) (Broker, error) {
		return DialNATS(ctx, url)
	}
}

func toSubject(channel string) string { return strings.ReplaceAll(channel, ":", ".") }

func fromSubject(subject string) string { return strings.Replace(subject, ".", ":", 1) }

func (b *NATSBroker) Publish(_ context.Context, channel string, payload []byte) error {
	return b.nc.Publish(toSubject(channel), payload)
}

func (b *NATSBroker) Subscribe(ctx context.Context, pattern string, fn HandlerFunc) error {
	sub, err := b.nc.Subscribe(toSubject(pattern), func(m *nats.Msg) {
		fn(fromSubject(m.Subject), m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return nats.ErrConnectionClosed
	}
}

func (b *NATSBroker) Close() error {
	b.nc.Close()
	return nil
}
