package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPSubscribe(t *testing.T) {

	mr := miniredis.RunT(t)

	b, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	sub, err := b.PSubscribe(ctx, "to:flights:*")
	require.NoError(t, err)
	defer sub.Close()

	// give the pattern subscription time to register
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, "to:flights:position", []byte(`{"alt":30000}`)))
	require.NoError(t, b.Publish(ctx, "to:weather:report", []byte(`{}`)))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "to:flights:position", msg.Channel)
		assert.Equal(t, `{"alt":30000}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s", msg.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

// A subscription must survive the bus going away and coming back on the
// same address: the receive loop retries with backoff and the client
// restores its pattern subscriptions when the connection is back.
func TestSubscriptionRecoversAfterOutage(t *testing.T) {

	mr := miniredis.RunT(t)
	addr := mr.Addr()

	b, err := New("redis://" + addr)
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.PSubscribe(context.Background(), "to:flights:*")
	require.NoError(t, err)
	defer sub.Close()

	// give the pattern subscription time to register
	time.Sleep(100 * time.Millisecond)

	mr.Close()

	// let the receive loop hit the outage and start retrying
	time.Sleep(300 * time.Millisecond)

	restarted := miniredis.NewMiniRedis()
	require.NoError(t, restarted.StartAddr(addr))
	defer restarted.Close()

	// publish until the restored subscription delivers; the exact moment
	// the client reconnects and resubscribes is not observable from here
	deadline := time.After(5 * time.Second)
	for {
		restarted.Publish("to:flights:position", `{"alt":30000}`)
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "to:flights:position", msg.Channel)
			assert.Equal(t, `{"alt":30000}`, string(msg.Payload))
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for delivery after restart")
		}
	}
}

func TestHealthy(t *testing.T) {

	mr := miniredis.RunT(t)

	b, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.Healthy(context.Background()))

	mr.Close()

	assert.False(t, b.Healthy(context.Background()))
}

func TestCloseStopsForwarding(t *testing.T) {

	mr := miniredis.RunT(t)

	b, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.PSubscribe(context.Background(), "to:flights:*")
	require.NoError(t, err)

	require.NoError(t, sub.Close())

	select {
	case _, open := <-sub.Messages():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("message channel not closed")
	}
}

func TestNewBadURL(t *testing.T) {

	_, err := New("://not-a-url")
	assert.Error(t, err)
}
