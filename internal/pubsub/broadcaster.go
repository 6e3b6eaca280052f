package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"mentorchat/internal/event"
	"mentorchat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// RoomPattern matches every room channel.
const RoomPattern = "room:*"

const roomPrefix = "room:"

// RoomChannel names the broker channel of a room.
func RoomChannel(roomID uint) string {
	return roomPrefix + strconv.FormatUint(uint64(roomID), 10)
}

// ParseRoomChannel extracts the room id from a channel name.
func ParseRoomChannel(channel string) (uint, bool) {
	rest, ok := strings.CutPrefix(channel, roomPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// Broadcaster publishes room events and feeds events from every instance,
// this one included, back to a local callback. The broker is dialled on
// first use and dialled again after a failure.
type Broadcaster struct {
	dial DialFunc

	mu     sync.Mutex
	broker Broker

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewBroadcaster(dial DialFunc) *Broadcaster {
	return &Broadcaster{dial: dial, minBackoff: 200 * time.Millisecond, maxBackoff: 10 * time.Second}
}

func (b *Broadcaster) conn(ctx context.Context) (Broker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broker != nil {
		return b.broker, nil
	}
	br, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.broker = br
	return br, nil
}

// reset drops br so the next call dials again.
func (b *Broadcaster) reset(br Broker) {
	b.mu.Lock()
	if b.broker != br {
		b.mu.Unlock()
		return
	}
	b.broker = nil
	b.mu.Unlock()
	_ = br.Close()
}

// PublishRoom sends evt to the room's channel.
func (b *Broadcaster) PublishRoom(ctx context.Context, roomID uint, evt event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	br, err := b.conn(ctx)
	if err != nil {
		metrics.PublishFailuresTotal.Inc()
		return fmt.Errorf("dial broker: %w", err)
	}
	if err := br.Publish(ctx, RoomChannel(roomID), payload); err != nil {
		metrics.PublishFailuresTotal.Inc()
		return fmt.Errorf("publish %s: %w", RoomChannel(roomID), err)
	}
	return nil
}

// SubscribeLoop delivers every room event to onEvent until ctx is cancelled.
// Payloads that do not decode are dropped. A broken subscription is retried
// with capped exponential backoff.
func (b *Broadcaster) SubscribeLoop(ctx context.Context, onEvent func(channel string, evt event.Event)) error {
	handle := func(channel string, payload []byte) {
		var evt event.Event
		if err := json.Unmarshal(payload, &evt); err != nil || evt.Action == "" {
			metrics.PubsubEventsTotal.WithLabelValues("malformed").Inc()
			log.Debug().Err(err).Str("channel", channel).Msg("drop malformed room event")
			return
		}
		metrics.PubsubEventsTotal.WithLabelValues("delivered").Inc()
		onEvent(channel, evt)
	}

	backoff := b.minBackoff
	for {
		started := time.Now()
		br, err := b.conn(ctx)
		if err == nil {
			err = br.Subscribe(ctx, RoomPattern, handle)
			if ctx.Err() == nil {
				b.reset(br)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > b.maxBackoff {
			backoff = b.minBackoff
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("room subscription interrupted")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

// Close releases the broker connection, if one was dialled.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	br := b.broker
	b.broker = nil
	b.mu.Unlock()
	if br == nil {
		return nil
	}
	return br.Close()
}
