package hub

import (
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/wire"
)

// ServeWS upgrades an HTTP request to a websocket connection and starts
// its reader and writer. Authorization happens per topic at join time, not
// at upgrade, so an unauthorized client costs one idle connection at most
// until the heartbeat timeout fires.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err.Error()).Error("websocket upgrade failed")
		return
	}

	c := &Client{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr(r),
		userAgent:  r.UserAgent(),
		hub:        h,
		conn:       conn,
		send:       make(chan wire.Message, h.config.SendBuffer),
		done:       make(chan struct{}),
		joins:      make(map[string]string),
		stats:      newStats(),
	}

	h.register(c)

	logForClient(c).Debug("connection accepted")

	go c.writePump()
	go c.readPump()
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
