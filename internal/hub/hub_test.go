package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airview/hub/internal/bridge"
	"github.com/airview/hub/internal/bus"
	"github.com/airview/hub/internal/token"
	"github.com/airview/hub/internal/wire"
)

const testSecret = "somesecret"

// testContext mirrors t.Context from Go 1.24: a context canceled
// just before Cleanup functions run.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestHub(t *testing.T, config Config) (string, *Hub, *bus.Memory, *bridge.Bridge) {

	t.Helper()

	if config.Secret == "" {
		config.Secret = testSecret
	}

	b := bus.NewMemory()
	h := New(config)
	br := bridge.New(b, h.DeliverFromBus)
	h.SetBridge(br)

	router := http.NewServeMux()
	router.HandleFunc("/ws", h.ServeWS)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws", h, b, br
}

func makeTestToken(t *testing.T, id, topic string, ttl time.Duration) string {
	t.Helper()
	signed, err := token.Sign(token.New(id, topic, ttl), testSecret)
	require.NoError(t, err)
	return signed
}

// testConn drives the wire protocol directly so tests control every frame.
// Reads happen on a dedicated goroutine feeding channels: gorilla/websocket
// makes any read error (including a deliberate timeout) sticky, so reading
// with deadlines directly would poison the conn for later receives.
type testConn struct {
	t    *testing.T
	ws   *websocket.Conn
	msgs chan wire.Message
	errs chan error
}

func dialTest(t *testing.T, url string) *testConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	c := &testConn{t: t, ws: ws, msgs: make(chan wire.Message, 32), errs: make(chan error, 1)}
	go c.readLoop()
	return c
}

func (c *testConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.errs <- err
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.errs <- err
			return
		}
		c.msgs <- m
	}
}

func (c *testConn) send(joinRef, ref, topic, event string, payload interface{}) {
	c.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		raw = data
	}
	data, err := wire.Message{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: raw}.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *testConn) join(joinRef, ref, topic, signed string) {
	c.t.Helper()
	c.send(joinRef, ref, topic, wire.EventJoin, wire.JoinPayload{Token: signed})
}

func (c *testConn) recv(timeout time.Duration) (wire.Message, error) {
	c.t.Helper()
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.errs:
		return wire.Message{}, err
	case <-time.After(timeout):
		return wire.Message{}, errors.New("recv timeout")
	}
}

func (c *testConn) mustRecv() wire.Message {
	c.t.Helper()
	m, err := c.recv(time.Second)
	require.NoError(c.t, err)
	return m
}

func (c *testConn) expectNothing() {
	c.t.Helper()
	m, err := c.recv(100 * time.Millisecond)
	if err == nil {
		c.t.Fatalf("unexpected message: %s %s", m.Topic, m.Event)
	}
}

func decodeReply(t *testing.T, m wire.Message) wire.Reply {
	t.Helper()
	require.Equal(t, wire.EventReply, m.Event)
	var r wire.Reply
	require.NoError(t, json.Unmarshal(m.Payload, &r))
	return r
}

func decodeRoster(t *testing.T, m wire.Message) map[string]wire.Meta {
	t.Helper()
	roster := map[string]wire.Meta{}
	require.NoError(t, json.Unmarshal(m.Payload, &roster))
	return roster
}

func decodeDiff(t *testing.T, m wire.Message) wire.PresenceDiff {
	t.Helper()
	require.Equal(t, wire.EventPresenceDiff, m.Event)
	var d wire.PresenceDiff
	require.NoError(t, json.Unmarshal(m.Payload, &d))
	return d
}

func TestJoinReplyAndPresenceState(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	signed := makeTestToken(t, "c1", "system", time.Minute)

	conn := dialTest(t, url)
	conn.join("1", "1", "system", signed)

	reply := conn.mustRecv()
	assert.Equal(t, "1", reply.JoinRef)
	assert.Equal(t, "1", reply.Ref)
	assert.Equal(t, "system", reply.Topic)
	assert.Equal(t, wire.StatusOK, decodeReply(t, reply).Status)

	state := conn.mustRecv()
	assert.Equal(t, wire.EventPresenceState, state.Event)
	assert.Equal(t, "1", state.JoinRef)

	roster := decodeRoster(t, state)
	require.Len(t, roster, 1)
	assert.Contains(t, roster, "c1")
}

func TestJoinInvalidToken(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	// signed with the wrong secret
	signed, err := token.Sign(token.New("c1", "system", time.Minute), "othersecret")
	require.NoError(t, err)

	conn := dialTest(t, url)
	conn.join("1", "1", "system", signed)

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)

	// the connection stays open and membership is unchanged
	conn.send("1", "2", "system", "shout", map[string]string{"msg": "hi"})
	reply = decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)
}

func TestJoinExpiredToken(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	signed := makeTestToken(t, "c1", "system", -time.Minute)

	conn := dialTest(t, url)
	conn.join("1", "1", "system", signed)

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)
}

func TestJoinTopicMismatch(t *testing.T) {

	url, h, _, _ := newTestHub(t, Config{})

	signed := makeTestToken(t, "c1", "weather", time.Minute)

	conn := dialTest(t, url)
	conn.join("1", "1", "flights", signed)

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)

	// no topic was created by the failed join
	assert.Nil(t, h.lookupTopic("flights"))
}

func TestJoinMissingToken(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	conn := dialTest(t, url)
	conn.send("1", "1", "system", wire.EventJoin, map[string]string{})

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)
}

func TestNoAuthTopic(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{NoAuthTopics: []string{"phoenix"}})

	conn := dialTest(t, url)
	conn.send("1", "1", "phoenix", wire.EventJoin, map[string]string{})

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusOK, reply.Status)
}

func TestPresenceDiffOnSecondJoin(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	a := dialTest(t, url)
	a.join("1", "1", "system", makeTestToken(t, "alice", "system", time.Minute))
	a.mustRecv() // reply
	roster := decodeRoster(t, a.mustRecv())
	require.Len(t, roster, 1)
	assert.Contains(t, roster, "alice")

	b := dialTest(t, url)
	b.join("1", "1", "system", makeTestToken(t, "bob", "system", time.Minute))
	b.mustRecv() // reply
	roster = decodeRoster(t, b.mustRecv())
	require.Len(t, roster, 2)
	assert.Contains(t, roster, "alice")
	assert.Contains(t, roster, "bob")

	// alice sees bob arrive
	diff := decodeDiff(t, a.mustRecv())
	require.Len(t, diff.Joins, 1)
	assert.Contains(t, diff.Joins, "bob")
	assert.Empty(t, diff.Leaves)
}

func TestLeave(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	a := dialTest(t, url)
	a.join("1", "1", "system", makeTestToken(t, "alice", "system", time.Minute))
	a.mustRecv()
	a.mustRecv()

	b := dialTest(t, url)
	b.join("1", "1", "system", makeTestToken(t, "bob", "system", time.Minute))
	b.mustRecv()
	b.mustRecv()
	a.mustRecv() // join diff for bob

	b.send("1", "2", "system", wire.EventLeave, nil)
	reply := b.mustRecv()
	assert.Equal(t, "2", reply.Ref)
	assert.Equal(t, wire.StatusOK, decodeReply(t, reply).Status)

	diff := decodeDiff(t, a.mustRecv())
	require.Len(t, diff.Leaves, 1)
	assert.Contains(t, diff.Leaves, "bob")
	assert.Empty(t, diff.Joins)

	// a push from bob is now rejected
	b.send("1", "3", "system", "shout", map[string]string{"msg": "hi"})
	reply = b.mustRecv()
	assert.Equal(t, wire.StatusError, decodeReply(t, reply).Status)
}

func TestLeaveWhenNotJoined(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	conn := dialTest(t, url)
	conn.send("", "1", "system", wire.EventLeave, nil)

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)
}

func TestPushForwardedToBus(t *testing.T) {

	url, _, b, _ := newTestHub(t, Config{})

	sub, err := b.PSubscribe(testContext(t), "from:system:*")
	require.NoError(t, err)

	conn := dialTest(t, url)
	conn.join("1", "1", "system", makeTestToken(t, "c1", "system", time.Minute))
	conn.mustRecv()
	conn.mustRecv()

	conn.send("1", "2", "system", "shout", map[string]string{"msg": "hi"})

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "from:system:shout", msg.Channel)
		assert.JSONEq(t, `{"msg":"hi"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus publish")
	}

	// exactly one publish
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected second publish on %s", msg.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushWhenNotJoined(t *testing.T) {

	url, _, b, _ := newTestHub(t, Config{})

	sub, err := b.PSubscribe(testContext(t), "from:system:*")
	require.NoError(t, err)

	conn := dialTest(t, url)
	conn.send("", "1", "system", "shout", map[string]string{"msg": "hi"})

	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected publish on %s", msg.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusDelivery(t *testing.T) {

	url, _, b, _ := newTestHub(t, Config{})

	joined := dialTest(t, url)
	joined.join("1", "1", "system", makeTestToken(t, "c1", "system", time.Minute))
	joined.mustRecv()
	joined.mustRecv()

	other := dialTest(t, url)
	other.join("1", "1", "weather", makeTestToken(t, "c2", "weather", time.Minute))
	other.mustRecv()
	other.mustRecv()

	require.NoError(t, b.Publish(testContext(t), "to:system:announce", []byte(`{"msg":"hello"}`)))

	m := joined.mustRecv()
	assert.Equal(t, "", m.JoinRef)
	assert.Equal(t, "", m.Ref)
	assert.Equal(t, "system", m.Topic)
	assert.Equal(t, "announce", m.Event)
	assert.JSONEq(t, `{"msg":"hello"}`, string(m.Payload))

	other.expectNothing()
}

func TestHeartbeat(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	conn := dialTest(t, url)
	conn.send("", "1", "phoenix", wire.EventHeartbeat, map[string]string{})

	reply := conn.mustRecv()
	assert.Equal(t, "1", reply.Ref)
	assert.Equal(t, "phoenix", reply.Topic)
	assert.Equal(t, wire.StatusOK, decodeReply(t, reply).Status)
}

func TestHeartbeatTimeout(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{HeartbeatTimeout: 200 * time.Millisecond})

	conn := dialTest(t, url)

	// send nothing; the hub disconnects us
	_, err := conn.recv(2 * time.Second)
	assert.Error(t, err)
}

func TestProtocolErrorClosesConnection(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	conn := dialTest(t, url)
	require.NoError(t, conn.ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	_, err := conn.recv(time.Second)
	assert.Error(t, err)
}

func TestOversizedFrameClosesConnection(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{MaxMessageSize: 256})

	conn := dialTest(t, url)
	big := strings.Repeat("x", 1024)
	conn.send("", "1", "system", wire.EventHeartbeat, map[string]string{"pad": big})

	_, err := conn.recv(time.Second)
	assert.Error(t, err)
}

func TestDisconnectForcesLeaves(t *testing.T) {

	url, h, _, br := newTestHub(t, Config{})

	a := dialTest(t, url)
	a.join("1", "1", "system", makeTestToken(t, "alice", "system", time.Minute))
	a.mustRecv()
	a.mustRecv()
	a.join("2", "2", "flights", makeTestToken(t, "alice", "flights", time.Minute))
	a.mustRecv()
	a.mustRecv()

	b := dialTest(t, url)
	b.join("1", "1", "system", makeTestToken(t, "bob", "system", time.Minute))
	b.mustRecv()
	b.mustRecv()
	a.mustRecv() // join diff for bob

	assert.True(t, br.Attached("system"))
	assert.True(t, br.Attached("flights"))

	a.ws.Close()

	// bob sees exactly one leave for alice
	diff := decodeDiff(t, b.mustRecv())
	require.Len(t, diff.Leaves, 1)
	assert.Contains(t, diff.Leaves, "alice")
	b.expectNothing()

	// flights emptied: topic reaped and bus subscription torn down
	assert.Eventually(t, func() bool {
		return h.lookupTopic("flights") == nil && !br.Attached("flights")
	}, time.Second, 10*time.Millisecond)

	assert.True(t, br.Attached("system"))
}

func TestRejoinReplacesJoinRef(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	a := dialTest(t, url)
	a.join("1", "1", "system", makeTestToken(t, "alice", "system", time.Minute))
	a.mustRecv()
	a.mustRecv()

	b := dialTest(t, url)
	b.join("1", "1", "system", makeTestToken(t, "bob", "system", time.Minute))
	b.mustRecv()
	b.mustRecv()
	a.mustRecv() // join diff for bob

	// rejoin with a new join_ref does not duplicate membership
	a.join("9", "2", "system", makeTestToken(t, "alice", "system", time.Minute))
	reply := a.mustRecv()
	assert.Equal(t, "9", reply.JoinRef)
	assert.Equal(t, wire.StatusOK, decodeReply(t, reply).Status)

	state := a.mustRecv()
	assert.Equal(t, "9", state.JoinRef)
	assert.Len(t, decodeRoster(t, state), 2)

	// no presence diff is broadcast for a rejoin
	b.expectNothing()
}

func TestSameClientIDTwoConnections(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	watcher := dialTest(t, url)
	watcher.join("1", "1", "system", makeTestToken(t, "watcher", "system", time.Minute))
	watcher.mustRecv()
	watcher.mustRecv()

	first := dialTest(t, url)
	first.join("1", "1", "system", makeTestToken(t, "alice", "system", time.Minute))
	first.mustRecv()
	first.mustRecv()

	diff := decodeDiff(t, watcher.mustRecv())
	assert.Contains(t, diff.Joins, "alice")

	// a second connection for the same identity joins without a diff
	second := dialTest(t, url)
	second.join("1", "1", "system", makeTestToken(t, "alice", "system", time.Minute))
	second.mustRecv()
	roster := decodeRoster(t, second.mustRecv())
	assert.Len(t, roster, 2) // watcher + alice, not duplicated

	watcher.expectNothing()

	// closing one connection leaves the identity present
	first.ws.Close()
	watcher.expectNothing()

	// closing the last connection broadcasts the leave
	second.ws.Close()
	diff = decodeDiff(t, watcher.mustRecv())
	assert.Contains(t, diff.Leaves, "alice")
}

func TestReservedEventRejected(t *testing.T) {

	url, _, _, _ := newTestHub(t, Config{})

	conn := dialTest(t, url)
	conn.join("1", "1", "system", makeTestToken(t, "c1", "system", time.Minute))
	conn.mustRecv()
	conn.mustRecv()

	conn.send("1", "2", "system", wire.EventPresenceDiff, map[string]string{})
	reply := decodeReply(t, conn.mustRecv())
	assert.Equal(t, wire.StatusError, reply.Status)
}

func TestEnqueueOverflowClosesClient(t *testing.T) {

	c := &Client{
		id:   "test",
		send: make(chan wire.Message, 1),
		done: make(chan struct{}),
	}

	assert.True(t, c.enqueue(wire.Message{Event: "a"}))
	assert.False(t, c.enqueue(wire.Message{Event: "b"}))

	select {
	case <-c.done:
	default:
		t.Fatal("overflow did not close the client")
	}
}
