package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// stats tracks traffic over one connection.
type stats struct {
	connectedAt time.Time

	rx *frames

	tx *frames
}

// frames accumulates frame size and inter-frame interval statistics for
// one direction.
type frames struct {
	mu sync.Mutex

	last time.Time

	size *welford.Stats

	ns *welford.Stats
}

func newStats() *stats {
	return &stats{
		connectedAt: time.Now(),
		rx:          &frames{size: welford.New(), ns: welford.New()},
		tx:          &frames{size: welford.New(), ns: welford.New()},
	}
}

func (s *stats) add(f *frames, size int) {

	t := time.Now()

	f.mu.Lock()

	if f.ns.Count() > 0 {
		f.ns.Add(float64(t.UnixNano() - f.last.UnixNano()))
	} else {
		f.ns.Add(float64(t.UnixNano() - s.connectedAt.UnixNano()))
	}

	f.last = t
	f.size.Add(float64(size))

	f.mu.Unlock()
}

// ReportStats summarises one direction of traffic.
type ReportStats struct {
	Last string `json:"last"` //how many seconds ago...

	Size float64 `json:"size"`

	Fps float64 `json:"fps"`
}

// RxTx represents statistics for both receive and transmit
type RxTx struct {
	Tx ReportStats `json:"tx"`

	Rx ReportStats `json:"rx"`
}

// ClientReport represents information about one topic membership, its
// connection, and its statistics
type ClientReport struct {
	Topic string `json:"topic"`

	ClientID string `json:"clientId"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Stats RxTx `json:"stats"`
}

func (f *frames) report() ReportStats {

	f.mu.Lock()
	defer f.mu.Unlock()

	r := ReportStats{Last: "Never"}

	if f.size.Count() > 0 {
		r.Last = fmt.Sprintf("%.2fs", time.Since(f.last).Seconds())
		r.Size = f.size.Mean()
	}

	if f.ns.Mean() > 0 {
		r.Fps = 1e9 / f.ns.Mean()
	}

	return r
}

// Report returns a snapshot of the current topic memberships with their
// connection details and traffic statistics.
func (h *Hub) Report() []ClientReport {

	h.mu.Lock()
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	reports := []ClientReport{}

	for _, t := range topics {
		t.mu.Lock()
		for _, m := range t.members {
			c := m.client
			reports = append(reports, ClientReport{
				Topic:      t.name,
				ClientID:   m.clientID,
				Connected:  c.stats.connectedAt.Format(time.RFC3339),
				RemoteAddr: c.remoteAddr,
				UserAgent:  c.userAgent,
				Stats: RxTx{
					Rx: c.stats.rx.report(),
					Tx: c.stats.tx.report(),
				},
			})
		}
		t.mu.Unlock()
	}

	return reports
}
