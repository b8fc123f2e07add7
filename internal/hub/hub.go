// Package hub multiplexes websocket connections onto named topics and
// bridges topic traffic to the external bus. It owns connection lifecycle,
// join authorization, presence bookkeeping and ordered delivery per
// connection.
package hub

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/bridge"
	"github.com/airview/hub/internal/token"
	"github.com/airview/hub/internal/wire"
)

// Hub holds the connection registry and the per-topic owners. The global
// maps are guarded by a narrow mutex used only for lookup and
// insert/remove; all per-topic work happens under that topic's own lock.
type Hub struct {
	config Config
	bridge *bridge.Bridge

	mu      sync.Mutex
	clients map[string]*Client
	topics  map[string]*topic
	noAuth  map[string]bool
}

// New returns a Hub with defaults applied to the zero fields of config.
func New(config Config) *Hub {

	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if config.SendBuffer == 0 {
		config.SendBuffer = defaultSendBuffer
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}

	noAuth := make(map[string]bool)
	for _, name := range config.NoAuthTopics {
		noAuth[name] = true
	}

	return &Hub{
		config:  config,
		clients: make(map[string]*Client),
		topics:  make(map[string]*topic),
		noAuth:  noAuth,
	}
}

// SetBridge wires the bus bridge; must be called before serving if bus
// traffic is wanted.
func (h *Hub) SetBridge(br *bridge.Bridge) {
	h.bridge = br
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	connectionsCurrent.Inc()
}

// dropClient runs forced-leave cleanup for every joined topic, then
// removes the connection from the registry. Called synchronously from the
// reader goroutine on disconnect.
func (h *Hub) dropClient(c *Client) {

	for name := range c.joins {
		h.leaveTopic(c, name)
	}
	c.joins = make(map[string]string)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	connectionsCurrent.Dec()
}

// getTopic returns the owner for name, creating it on first join.
func (h *Hub) getTopic(name string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		t = newTopic(name, h)
		h.topics[name] = t
		topicsCurrent.Inc()
	}
	return t
}

func (h *Hub) lookupTopic(name string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topics[name]
}

// reap destroys a topic if it is still empty. The bridge reference is
// released after both locks are dropped, keeping the global mutex to map
// work only; the bridge's own reference count ensures a concurrent first
// join on a recreated topic keeps its subscription even when this release
// lands after that join's attach.
func (h *Hub) reap(t *topic) {

	detach := false

	h.mu.Lock()
	t.mu.Lock()

	if len(t.members) == 0 && !t.dead {
		t.dead = true
		delete(h.topics, t.name)
		topicsCurrent.Dec()
		detach = t.attached
	}

	t.mu.Unlock()
	h.mu.Unlock()

	if detach && h.bridge != nil {
		h.bridge.Detach(t.name)
	}
}

// route dispatches one decoded frame from a connection.
func (h *Hub) route(c *Client, m wire.Message) {

	switch m.Event {
	case wire.EventHeartbeat:
		c.enqueue(wire.NewReply(m, wire.StatusOK, nil))
	case wire.EventJoin:
		h.join(c, m)
	case wire.EventLeave:
		h.leave(c, m)
	case wire.EventReply, wire.EventPresenceState, wire.EventPresenceDiff:
		c.enqueue(wire.NewErrorReply(m, "reserved event"))
	default:
		h.push(c, m)
	}
}

// join runs the credential checks and admits the connection to the topic.
// Authorization failures reply with an error; the connection stays open.
func (h *Hub) join(c *Client, m wire.Message) {

	if m.Topic == "" {
		c.enqueue(wire.NewErrorReply(m, "invalid topic"))
		return
	}

	clientID := c.id

	if !h.noAuth[m.Topic] {

		var payload wire.JoinPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil || payload.Token == "" {
			c.enqueue(wire.NewErrorReply(m, "missing token"))
			return
		}

		claims, err := token.Verify(payload.Token, h.config.Secret)
		if err != nil {
			logForClient(c).WithFields(log.Fields{"topic": m.Topic, "error": err.Error()}).Info("join rejected")
			c.enqueue(wire.NewErrorReply(m, "invalid token"))
			return
		}

		// no wildcard joins: the claim must name this topic exactly
		if claims.Topic != m.Topic {
			logForClient(c).WithFields(log.Fields{"topic": m.Topic, "claim": claims.Topic}).Info("join rejected, topic mismatch")
			c.enqueue(wire.NewErrorReply(m, "topic mismatch"))
			return
		}

		clientID = claims.ID
	}

	// a topic can be reaped between lookup and join; retry on a fresh one
	for {
		t := h.getTopic(m.Topic)
		if t.join(c, clientID, m) {
			break
		}
	}

	c.joins[m.Topic] = m.JoinRef

	logForClient(c).WithFields(log.Fields{"topic": m.Topic, "client_id": clientID}).Debug("joined")
}

// leave handles an explicit phx_leave: reply ok, then the same teardown as
// a forced leave.
func (h *Hub) leave(c *Client, m wire.Message) {

	if _, ok := c.joins[m.Topic]; !ok {
		c.enqueue(wire.NewErrorReply(m, "not joined"))
		return
	}

	c.enqueue(wire.NewReply(m, wire.StatusOK, nil))

	h.leaveTopic(c, m.Topic)
	delete(c.joins, m.Topic)

	logForClient(c).WithField("topic", m.Topic).Debug("left")
}

func (h *Hub) leaveTopic(c *Client, name string) {

	t := h.lookupTopic(name)
	if t == nil {
		return
	}

	if _, emptied := t.remove(c.id); emptied {
		h.reap(t)
	}
}

// push forwards an application event from a joined connection to the bus.
// Events pushed outside the joined state are rejected and never forwarded.
func (h *Hub) push(c *Client, m wire.Message) {

	if _, ok := c.joins[m.Topic]; !ok {
		c.enqueue(wire.NewErrorReply(m, "not joined"))
		return
	}

	if h.bridge == nil {
		return
	}

	h.bridge.PublishFrom(m.Topic, m.Event, m.Payload)
	busPublishes.Inc()
}

// DeliverFromBus fans a bus message out to the members of topic as a
// server initiated push [null, null, topic, event, payload]. Messages for
// topics with no members are dropped.
func (h *Hub) DeliverFromBus(topic, event string, payload []byte) {

	t := h.lookupTopic(topic)
	if t == nil {
		return
	}

	t.deliver(wire.Message{Topic: topic, Event: event, Payload: payload})
	busDeliveries.Inc()
}

func logForClient(c *Client) *log.Entry {
	return log.WithFields(log.Fields{"conn": c.id, "remote_addr": c.remoteAddr})
}
