package hub

import (
	"sync"
	"time"

	"github.com/airview/hub/internal/wire"
)

// topic owns the membership, presence roster and bridge attachment for one
// topic name. Its mutex is scoped strictly to this topic, so unrelated
// topics never contend. Outbound frames are enqueued (never sent) while
// the mutex is held, which keeps presence diffs ordered exactly as the
// membership changes that produced them.
type topic struct {
	name string
	hub  *Hub

	mu       sync.Mutex
	dead     bool
	attached bool
	members  map[string]*member        // by connection id
	roster   map[string]*presenceEntry // by client id
}

// member records one connection's join to this topic.
type member struct {
	client   *Client
	clientID string
	joinRef  string
}

// presenceEntry tracks one client identity within the topic. A single
// identity may hold several simultaneous connections; join and leave
// diffs are broadcast only on its 0<->1 connection count transitions.
type presenceEntry struct {
	conns int
	meta  wire.Meta
}

func newTopic(name string, h *Hub) *topic {
	return &topic{
		name:    name,
		hub:     h,
		members: make(map[string]*member),
		roster:  make(map[string]*presenceEntry),
	}
}

func newMeta() wire.Meta {
	return wire.Meta{"online_at": time.Now().Unix()}
}

// join admits a connection under the given client identity, replying ok
// and emitting presence state and diffs in membership order. Returns false
// if the topic has already been torn down, in which case the caller must
// retry against a fresh topic.
func (t *topic) join(c *Client, clientID string, m wire.Message) bool {

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dead {
		return false
	}

	if prior, ok := t.members[c.id]; ok {
		// re-join replaces the prior join reference rather than
		// duplicating membership
		if prior.clientID != clientID {
			t.removeLocked(c.id)
		} else {
			prior.joinRef = m.JoinRef
			c.enqueue(wire.NewReply(m, wire.StatusOK, nil))
			c.enqueue(wire.NewPresenceState(m.JoinRef, t.name, t.snapshotLocked()))
			return true
		}
	}

	first := len(t.members) == 0

	t.members[c.id] = &member{client: c, clientID: clientID, joinRef: m.JoinRef}

	entry, known := t.roster[clientID]
	if known {
		entry.conns++
	} else {
		entry = &presenceEntry{conns: 1, meta: newMeta()}
		t.roster[clientID] = entry
	}

	c.enqueue(wire.NewReply(m, wire.StatusOK, nil))
	c.enqueue(wire.NewPresenceState(m.JoinRef, t.name, t.snapshotLocked()))

	if !known {
		diff := wire.NewPresenceDiff(t.name, wire.PresenceDiff{
			Joins: map[string]wire.Meta{clientID: entry.meta},
		})
		t.broadcastLocked(diff, c.id)
	}

	if first && !t.attached && t.hub.bridge != nil {
		t.attached = true
		t.hub.bridge.Attach(t.name)
	}

	return true
}

// remove drops a connection from the topic, broadcasting a leave diff when
// its client identity has no connections left. Returns whether the member
// existed and whether the topic is now empty.
func (t *topic) remove(connID string) (existed, emptied bool) {

	t.mu.Lock()
	defer t.mu.Unlock()

	existed = t.removeLocked(connID)
	emptied = existed && len(t.members) == 0

	return existed, emptied
}

func (t *topic) removeLocked(connID string) bool {

	mem, ok := t.members[connID]
	if !ok {
		return false
	}

	delete(t.members, connID)

	if entry, ok := t.roster[mem.clientID]; ok {
		entry.conns--
		if entry.conns <= 0 {
			delete(t.roster, mem.clientID)
			diff := wire.NewPresenceDiff(t.name, wire.PresenceDiff{
				Leaves: map[string]wire.Meta{mem.clientID: entry.meta},
			})
			t.broadcastLocked(diff, connID)
		}
	}

	return true
}

// deliver fans an inbound bus message out to every member.
func (t *topic) deliver(m wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcastLocked(m, "")
}

func (t *topic) broadcastLocked(m wire.Message, exceptConnID string) {
	for id, mem := range t.members {
		if id == exceptConnID {
			continue
		}
		mem.client.enqueue(m)
	}
}

// snapshotLocked copies the presence roster for a presence_state frame.
func (t *topic) snapshotLocked() map[string]wire.Meta {
	roster := make(map[string]wire.Meta, len(t.roster))
	for id, entry := range t.roster {
		roster[id] = entry.meta
	}
	return roster
}
