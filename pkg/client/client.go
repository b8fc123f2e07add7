// Package client is a websocket client for the hub protocol. It dials the
// hub, joins topics with a credential, pushes events and surfaces server
// initiated messages on a channel. Reconnect retries a lost connection
// with exponential backoff; joins are not replayed automatically, callers
// rejoin after a reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/wire"
)

// Message is one frame from the hub.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// RetryConfig represents the parameters for reconnect backoff.
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// Client connects to one hub endpoint.
type Client struct {

	// In receives server initiated messages (bus pushes, presence)
	In chan Message

	URL            string
	Retry          RetryConfig
	HeartbeatEvery time.Duration

	// short id for log correlation
	id string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
	lost      chan struct{}
	refs      int
	pending   map[string]chan Message
	joins     map[string]string
}

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("not connected")

// New returns a Client for the websocket endpoint at url, e.g.
// ws://localhost:3000/ws.
func New(url string) *Client {
	return &Client{
		In:        make(chan Message, 256),
		connected: make(chan struct{}),
		URL:       url,
		Retry: RetryConfig{
			Factor: 2,
			Jitter: true,
			Min:    250 * time.Millisecond,
			Max:    10 * time.Second,
		},
		HeartbeatEvery: 30 * time.Second,
		id:             uuid.New().String()[0:6],
		pending:        make(map[string]chan Message),
		joins:          make(map[string]string),
	}
}

// Dial connects once and starts the reader and heartbeat. It returns as
// soon as the connection is up; Close or a read error ends it.
func (c *Client) Dial(ctx context.Context) error {

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lost = make(chan struct{})
	lost := c.lost
	select {
	case <-c.connected:
	default:
		close(c.connected)
	}
	c.mu.Unlock()

	log.WithFields(log.Fields{"client": c.id, "url": c.URL}).Debug("connected")

	go c.reader(conn, lost)
	go c.heartbeat(ctx, conn, lost)

	return nil
}

// Reconnect dials and redials with backoff until the context is done.
func (c *Client) Reconnect(ctx context.Context) {

	boff := &backoff.Backoff{
		Factor: c.Retry.Factor,
		Jitter: c.Retry.Jitter,
		Min:    c.Retry.Min,
		Max:    c.Retry.Max,
	}

	for {

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Dial(ctx); err != nil {
			wait := boff.Duration()
			log.WithFields(log.Fields{"client": c.id, "error": err.Error(), "retry_in": wait}).Debug("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		boff.Reset()

		c.mu.Lock()
		lost := c.lost
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-lost:
			log.WithField("client", c.id).Debug("connection lost")
		}
	}
}

// Connected returns a channel that is closed while the client holds a
// live connection, and open again once that connection is lost. Callers
// using Reconnect wait on it to know when to rejoin their topics.
func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close drops the current connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Join joins a topic with a signed credential, blocking until the hub
// replies or the context is done.
func (c *Client) Join(ctx context.Context, topic, token string) error {

	payload, _ := json.Marshal(wire.JoinPayload{Token: token})

	joinRef := c.nextRef()

	reply, err := c.call(ctx, wire.Message{
		JoinRef: joinRef,
		Ref:     joinRef,
		Topic:   topic,
		Event:   wire.EventJoin,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	if err := replyError(reply); err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}

	c.mu.Lock()
	c.joins[topic] = joinRef
	c.mu.Unlock()

	return nil
}

// Leave leaves a topic, blocking until the hub replies.
func (c *Client) Leave(ctx context.Context, topic string) error {

	c.mu.Lock()
	joinRef := c.joins[topic]
	delete(c.joins, topic)
	c.mu.Unlock()

	reply, err := c.call(ctx, wire.Message{
		JoinRef: joinRef,
		Ref:     c.nextRef(),
		Topic:   topic,
		Event:   wire.EventLeave,
	})
	if err != nil {
		return err
	}

	if err := replyError(reply); err != nil {
		return fmt.Errorf("leave %s: %w", topic, err)
	}

	return nil
}

// Push sends an application event to a joined topic. Fire and forget; the
// hub does not reply to ordinary pushes.
func (c *Client) Push(topic, event string, payload json.RawMessage) error {

	c.mu.Lock()
	joinRef := c.joins[topic]
	c.mu.Unlock()

	return c.write(wire.Message{
		JoinRef: joinRef,
		Ref:     c.nextRef(),
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
}

// call writes a frame and waits for the reply carrying the same ref.
func (c *Client) call(ctx context.Context, m wire.Message) (Message, error) {

	ch := make(chan Message, 1)

	c.mu.Lock()
	c.pending[m.Ref] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, m.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(m); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) write(m wire.Message) error {

	data, err := m.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) nextRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	return strconv.Itoa(c.refs)
}

func (c *Client) reader(conn *websocket.Conn, lost chan struct{}) {

	defer func() {
		c.mu.Lock()
		c.connected = make(chan struct{})
		c.mu.Unlock()
		close(lost)
	}()

	for {

		_, data, err := conn.ReadMessage()
		if err != nil {
			log.WithFields(log.Fields{"client": c.id, "error": err.Error()}).Debug("reader closing")
			return
		}

		m, err := wire.Decode(data)
		if err != nil {
			log.WithFields(log.Fields{"client": c.id, "error": err.Error()}).Warn("dropping undecodable frame")
			continue
		}

		msg := Message{
			JoinRef: m.JoinRef,
			Ref:     m.Ref,
			Topic:   m.Topic,
			Event:   m.Event,
			Payload: m.Payload,
		}

		if m.Event == wire.EventReply && m.Ref != "" {
			c.mu.Lock()
			ch := c.pending[m.Ref]
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
				continue
			}
		}

		select {
		case c.In <- msg:
		default:
			log.WithField("client", c.id).Warn("inbound buffer full, dropping message")
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, lost chan struct{}) {

	ticker := time.NewTicker(c.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
			return
		case <-ticker.C:
			err := c.write(wire.Message{
				Ref:   c.nextRef(),
				Topic: "phoenix",
				Event: wire.EventHeartbeat,
			})
			if err != nil {
				return
			}
		}
	}
}

func replyError(reply Message) error {

	var r wire.Reply
	if err := json.Unmarshal(reply.Payload, &r); err != nil {
		return fmt.Errorf("bad reply payload: %w", err)
	}

	if r.Status != wire.StatusOK {
		reason := "unknown"
		if m, ok := r.Response.(map[string]interface{}); ok {
			if s, ok := m["reason"].(string); ok {
				reason = s
			}
		}
		return errors.New(reason)
	}

	return nil
}
