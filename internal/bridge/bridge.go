// Package bridge translates between topic scoped client traffic and the
// flat bus namespace. Messages for clients arrive on bus channels named
// to:<topic>:<event>; client pushes go out on from:<topic>:<event>.
//
// One pattern subscription exists per topic with at least one member,
// attached on the first join and detached after the last leave. Attach and
// Detach are reference counted, so a topic recreated while its
// predecessor's teardown is still in flight keeps its subscription.
package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/bus"
)

const publishTimeout = 2 * time.Second

// Deliver hands an inbound bus message to the hub for fanout to the
// members of topic.
type Deliver func(topic, event string, payload []byte)

// InboundPattern is the bus pattern covering all events for a topic.
func InboundPattern(topic string) string {
	return "to:" + topic + ":*"
}

// OutboundChannel is the bus channel a client push is published to.
func OutboundChannel(topic, event string) string {
	return "from:" + topic + ":" + event
}

// eventFromChannel extracts the event suffix from an inbound channel name.
func eventFromChannel(topic, channel string) string {
	return strings.TrimPrefix(channel, "to:"+topic+":")
}

// Bridge owns the per-topic bus subscriptions.
type Bridge struct {
	bus     bus.Bus
	deliver Deliver

	mu   sync.Mutex
	subs map[string]*attachment
}

// attachment is the reference counted subscription for one topic. sub is
// nil while the bus is refusing the subscription; a later Attach retries.
type attachment struct {
	refs int
	sub  bus.Subscription
}

// New returns a Bridge publishing to and subscribing from b, delivering
// inbound messages through deliver.
func New(b bus.Bus, deliver Deliver) *Bridge {
	return &Bridge{
		bus:     b,
		deliver: deliver,
		subs:    make(map[string]*attachment),
	}
}

// Attach takes a reference on the inbound subscription for a topic,
// opening it on the first reference. Called on the 0->1 member transition;
// every Attach must be balanced by one Detach.
func (br *Bridge) Attach(topic string) {

	br.mu.Lock()
	defer br.mu.Unlock()

	a, ok := br.subs[topic]
	if !ok {
		a = &attachment{}
		br.subs[topic] = a
	}
	a.refs++

	if a.sub != nil {
		return
	}

	sub, err := br.bus.PSubscribe(context.Background(), InboundPattern(topic))
	if err != nil {
		// bus outages are recoverable; the topic just has no inbound
		// traffic until a later attach succeeds
		log.WithFields(log.Fields{"topic": topic, "error": err.Error()}).Error("bridge attach failed")
		return
	}

	a.sub = sub

	log.WithField("topic", topic).Debug("bridge attached")

	go br.fanout(topic, sub)
}

// Detach releases one reference on a topic's subscription, closing it when
// none remain. Called on the 1->0 member transition.
func (br *Bridge) Detach(topic string) {

	br.mu.Lock()

	a, ok := br.subs[topic]
	if !ok {
		br.mu.Unlock()
		return
	}

	a.refs--
	if a.refs > 0 {
		br.mu.Unlock()
		return
	}

	delete(br.subs, topic)
	br.mu.Unlock()

	if a.sub == nil {
		return
	}

	if err := a.sub.Close(); err != nil {
		log.WithFields(log.Fields{"topic": topic, "error": err.Error()}).Warn("bridge detach close failed")
	}

	log.WithField("topic", topic).Debug("bridge detached")
}

// Attached reports whether a topic currently holds a live subscription.
func (br *Bridge) Attached(topic string) bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	a, ok := br.subs[topic]
	return ok && a.sub != nil
}

// PublishFrom publishes a client push to from:<topic>:<event>. Fire and
// forget: failures are logged and the message is dropped, never surfaced
// to the client connection.
func (br *Bridge) PublishFrom(topic, event string, payload []byte) {

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := br.bus.Publish(ctx, OutboundChannel(topic, event), payload); err != nil {
		log.WithFields(log.Fields{"topic": topic, "event": event, "error": err.Error()}).Warn("bridge publish dropped")
	}
}

// Healthy reports bus reachability, for the health endpoint.
func (br *Bridge) Healthy(ctx context.Context) bool {
	return br.bus.Healthy(ctx)
}

func (br *Bridge) fanout(topic string, sub bus.Subscription) {

	for msg := range sub.Messages() {

		event := eventFromChannel(topic, msg.Channel)
		if event == "" {
			log.WithField("channel", msg.Channel).Warn("bridge ignoring message with empty event")
			continue
		}

		br.deliver(topic, event, msg.Payload)
	}
}
