package hub

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/airview/hub/internal/wire"
)

// readPump pumps frames from the websocket connection into the hub. It is
// the only reader on the connection. The read deadline doubles as the
// heartbeat timeout: any frame from the peer resets it, and a silent peer
// is disconnected when it lapses.
func (c *Client) readPump() {

	defer func() {
		c.hub.dropClient(c)
		c.close()
		c.conn.Close()
		logForClient(c).Trace("readPump closed")
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.config.HeartbeatTimeout)); err != nil {
		logForClient(c).WithField("error", err.Error()).Error("readPump deadline")
		return
	}

	for {

		_, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logForClient(c).WithField("error", err.Error()).Info("readPump closing")
			}
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.config.HeartbeatTimeout)); err != nil {
			return
		}

		framesIn.Inc()
		c.stats.add(c.stats.rx, len(data))

		m, err := wire.Decode(data)

		if err != nil {
			// malformed frames are fatal to the connection
			if errors.Is(err, wire.ErrProtocol) {
				logForClient(c).WithField("error", err.Error()).Info("protocol error, closing connection")
				deadline := time.Now().Add(writeWait)
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol error"), deadline)
			}
			return
		}

		c.hub.route(c, m)
	}
}

// writePump drains the outbound queue to the websocket connection. It is
// the only writer on the connection, so a slow reader never blocks
// outbound delivery for other connections.
func (c *Client) writePump() {

	defer func() {
		c.conn.Close()
		logForClient(c).Trace("writePump closed")
	}()

	for {
		select {

		case m := <-c.send:

			data, err := m.Encode()
			if err != nil {
				logForClient(c).WithField("error", err.Error()).Error("writePump encode")
				continue
			}

			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logForClient(c).WithField("error", err.Error()).Debug("writePump write")
				return
			}

			framesOut.Inc()
			c.stats.add(c.stats.tx, len(data))

		case <-c.done:
			deadline := time.Now().Add(writeWait)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
