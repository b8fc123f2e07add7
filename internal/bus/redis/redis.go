// Package redis implements the bus on redis pub/sub. Topic patterns map
// onto PSUBSCRIBE. The client re-establishes dropped connections itself and
// resubscribes the patterns it held, so an outage is recoverable without
// any action from the hub; receives retry with exponential backoff in the
// meantime.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/bus"
)

const (
	retryMin = 250 * time.Millisecond
	retryMax = 10 * time.Second

	pingTimeout = 2 * time.Second
)

// Bus is a redis-backed implementation of bus.Bus.
type Bus struct {
	client *goredis.Client
}

// New connects to the redis instance at the given URL, e.g.
// redis://localhost:6379/0.
func New(redisURL string) (*Bus, error) {

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	return &Bus{client: goredis.NewClient(opts)}, nil
}

// Publish is fire and forget from the caller's point of view; an
// unreachable bus surfaces as an error that the bridge logs and drops.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// PSubscribe opens a pattern subscription and starts forwarding its
// messages. The subscription outlives transient redis outages.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (bus.Subscription, error) {

	s := &subscription{
		pattern: pattern,
		ps:      b.client.PSubscribe(ctx, pattern),
		ch:      make(chan bus.Message, 256),
		closed:  make(chan struct{}),
	}

	go s.forward()

	return s, nil
}

// Healthy reports whether redis answers a ping.
func (b *Bus) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Close releases the underlying client.
func (b *Bus) Close() error {
	return b.client.Close()
}

type subscription struct {
	pattern string
	ps      *goredis.PubSub
	ch      chan bus.Message
	closed  chan struct{}
	once    sync.Once
}

func (s *subscription) Messages() <-chan bus.Message {
	return s.ch
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) forward() {

	defer close(s.ch)

	boff := &backoff.Backoff{
		Min:    retryMin,
		Max:    retryMax,
		Factor: 2,
		Jitter: true,
	}

	for {

		msg, err := s.ps.ReceiveMessage(context.Background())

		if err != nil {

			select {
			case <-s.closed:
				return
			default:
			}

			wait := boff.Duration()
			log.WithFields(log.Fields{"pattern": s.pattern, "error": err.Error(), "retry_in": wait}).Warn("bus receive failed")

			select {
			case <-s.closed:
				return
			case <-time.After(wait):
			}
			continue
		}

		boff.Reset()

		select {
		case s.ch <- bus.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		default:
			log.WithField("channel", msg.Channel).Warn("bus subscriber overrun, dropping message")
		}
	}
}
