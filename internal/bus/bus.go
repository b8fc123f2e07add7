// Package bus abstracts the external publish/subscribe system the hub
// bridges to. The redis implementation lives in the redis subpackage; the
// in-memory implementation here serves single-process deployments and
// tests.
package bus

import (
	"context"
	"strings"
	"sync"
)

// Message is one delivery from a subscribed channel. Payloads are opaque.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription receives messages for one channel pattern until closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus publishes to named channels and subscribes to channel patterns. A
// pattern is a channel name that may end in a single trailing '*'
// wildcard, e.g. "to:flights:*".
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	// Healthy reports whether the bus is currently reachable.
	Healthy(ctx context.Context) bool
}

// Match reports whether channel matches pattern. Only a trailing '*' is
// wild; everything else is literal.
func Match(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// subscriberBuffer is the per-subscription queue length; deliveries to a
// full subscriber are dropped (at-most-once).
const subscriberBuffer = 256

// Memory is an in-process Bus.
type Memory struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySub]struct{})}
}

type memorySub struct {
	bus     *Memory
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memorySub) Messages() <-chan Message {
	return s.ch
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}

// Publish delivers to every matching subscriber without blocking.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {

	m.mu.RLock()
	defer m.mu.RUnlock()

	for s := range m.subs {
		if !Match(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- Message{Channel: channel, Payload: payload}:
		default:
			// subscriber is not keeping up; drop
		}
	}

	return nil
}

// PSubscribe registers a subscriber for a channel pattern.
func (m *Memory) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {

	s := &memorySub{
		bus:     m,
		pattern: pattern,
		ch:      make(chan Message, subscriberBuffer),
	}

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	return s, nil
}

// Healthy is always true for the in-process bus.
func (m *Memory) Healthy(ctx context.Context) bool {
	return true
}
