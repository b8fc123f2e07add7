package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/airview/hub/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	defaultHeartbeatTimeout = 60 * time.Second

	defaultSendBuffer = 256

	// Maximum frame size allowed from a peer (1MB); larger frames are a
	// protocol error and close the connection.
	defaultMaxMessageSize = 1024 * 1024
)

// null subprotocol required by Chrome
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"null"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config represents configuration options for a hub instance.
type Config struct {

	// Secret validates join credentials
	Secret string

	// HeartbeatTimeout closes a connection that has sent no frame for
	// this long
	HeartbeatTimeout time.Duration

	// SendBuffer is the outbound queue length per connection; a
	// connection that overflows it is closed
	SendBuffer int

	// MaxMessageSize is the largest frame accepted from a peer
	MaxMessageSize int64

	// NoAuthTopics join without credential validation, e.g. a heartbeat
	// or administrative topic
	NoAuthTopics []string
}

// Client holds the server side state of one websocket connection. It is
// owned by the transport; topics hold references, never ownership.
type Client struct {
	id         string
	remoteAddr string
	userAgent  string

	hub  *Hub
	conn *websocket.Conn

	// bounded outbound queue, drained by writePump
	send chan wire.Message

	// closed exactly once when the connection is finished
	done chan struct{}
	once sync.Once

	// joined topics and their join_ref; only the reader goroutine
	// touches this map
	joins map[string]string

	stats *stats
}

// close marks the client finished; writePump sends the close frame and
// drops the connection, which in turn ends readPump.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue queues an outbound message without blocking. Overflow means the
// peer is too slow to keep its queue drained, and closes the connection
// rather than dropping messages silently or blocking the sender.
func (c *Client) enqueue(m wire.Message) bool {
	select {
	case c.send <- m:
		return true
	default:
		logForClient(c).Warn("outbound queue full, closing connection")
		c.close()
		return false
	}
}
