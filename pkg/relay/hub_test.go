package relay

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athel/canvasrelay/pkg/wire"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func newTestClient(id string) *client {
	return &client{
		id:   id,
		out:  make(chan *wire.Envelope, 32),
		done: make(chan struct{}),
	}
}

func recvEnvelope(t *testing.T, c *client) *wire.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestJoinCreatesChannelAndAcks(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient("a")
	hub.addClient(c)

	require.NoError(t, hub.Join(c, "room1", "req-1"))

	ack := recvEnvelope(t, c)
	assert.Equal(t, wire.TypeSystem, ack.Type)
	assert.Equal(t, "room1", ack.Channel)

	var reply wire.Reply
	require.NoError(t, json.Unmarshal(ack.Message, &reply))
	assert.Equal(t, "req-1", reply.ID)
	assert.JSONEq(t, `"Connected to channel: room1"`, string(reply.Result))

	stats := hub.Stats()
	assert.Equal(t, 1, stats.NumChannels)
	assert.Equal(t, 1, stats.NumClients)
}

func TestJoinRequiresChannelName(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient("a")
	hub.addClient(c)

	assert.ErrorIs(t, hub.Join(c, "", "req-1"), ErrChannelRequired)
	assert.Equal(t, 0, hub.Stats().NumChannels)
}

func TestJoinSwitchesChannels(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient("a")
	hub.addClient(c)

	require.NoError(t, hub.Join(c, "room1", "req-1"))
	require.NoError(t, hub.Join(c, "room2", "req-2"))

	// A client is in at most one channel; the abandoned one is gone.
	assert.Equal(t, 1, hub.Stats().NumChannels)
	env := &wire.Envelope{Type: wire.TypeMessage, Channel: "room1", Message: json.RawMessage(`{}`)}
	assert.ErrorIs(t, hub.Route(c, env), ErrChannelNotFound)

	env.Channel = "room2"
	assert.NoError(t, hub.Route(c, env))
}

func TestRouteRequiresChannel(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient("a")
	hub.addClient(c)

	env := &wire.Envelope{Type: wire.TypeMessage, Message: json.RawMessage(`{}`)}
	assert.ErrorIs(t, hub.Route(c, env), ErrChannelRequired)
}

func TestRouteRequiresMembership(t *testing.T) {
	hub := NewHub(testLogger())
	member := newTestClient("a")
	outsider := newTestClient("b")
	hub.addClient(member)
	hub.addClient(outsider)
	require.NoError(t, hub.Join(member, "room1", "ja"))
	recvEnvelope(t, member)

	// The channel exists, but the sender never joined it.
	env := &wire.Envelope{Type: wire.TypeMessage, Channel: "room1", Message: json.RawMessage(`{}`)}
	assert.ErrorIs(t, hub.Route(outsider, env), ErrNotJoined)
	assert.Empty(t, member.out)
}

func TestRouteBroadcastsToAllMembers(t *testing.T) {
	hub := NewHub(testLogger())
	a := newTestClient("a")
	b := newTestClient("b")
	hub.addClient(a)
	hub.addClient(b)
	require.NoError(t, hub.Join(a, "room1", "ja"))
	require.NoError(t, hub.Join(b, "room1", "jb"))
	recvEnvelope(t, a) // drain join acks
	recvEnvelope(t, b)

	inner := json.RawMessage(`{"id":"cmd-1","command":"echo"}`)
	env := &wire.Envelope{ID: "cmd-1", Type: wire.TypeMessage, Channel: "room1", Message: inner}
	require.NoError(t, hub.Route(a, env))

	// Broadcast is symmetric: the sender receives its own frame too.
	for _, c := range []*client{a, b} {
		got := recvEnvelope(t, c)
		assert.Equal(t, wire.TypeBroadcast, got.Type)
		assert.Equal(t, "room1", got.Channel)
		assert.Equal(t, "a", got.Sender)
		assert.JSONEq(t, string(inner), string(got.Message))
	}
	assert.Empty(t, a.out)
	assert.Empty(t, b.out)
}

func TestRoutePreservesProgressType(t *testing.T) {
	hub := NewHub(testLogger())
	a := newTestClient("a")
	b := newTestClient("b")
	hub.addClient(a)
	hub.addClient(b)
	require.NoError(t, hub.Join(a, "room1", "ja"))
	require.NoError(t, hub.Join(b, "room1", "jb"))
	recvEnvelope(t, a)
	recvEnvelope(t, b)

	env, err := wire.NewProgressEnvelope("room1", wire.ProgressPayload{
		CommandID: "cmd-1",
		Status:    wire.StatusInProgress,
		Progress:  40,
	})
	require.NoError(t, err)
	require.NoError(t, hub.Route(b, &env))

	got := recvEnvelope(t, a)
	assert.Equal(t, wire.TypeProgress, got.Type)
	assert.Equal(t, "cmd-1", got.ID)
	assert.Equal(t, "b", got.Sender)
}

func TestRemoveClientGarbageCollectsChannel(t *testing.T) {
	hub := NewHub(testLogger())
	a := newTestClient("a")
	b := newTestClient("b")
	hub.addClient(a)
	hub.addClient(b)
	require.NoError(t, hub.Join(a, "room1", "ja"))
	require.NoError(t, hub.Join(b, "room1", "jb"))

	hub.removeClient(a)
	stats := hub.Stats()
	assert.Equal(t, 1, stats.NumChannels)
	assert.Equal(t, 1, stats.NumClients)

	hub.removeClient(b)
	stats = hub.Stats()
	assert.Equal(t, 0, stats.NumChannels)
	assert.Equal(t, 0, stats.NumClients)

	// Double removal is a no-op.
	hub.removeClient(b)
	assert.Equal(t, 0, hub.Stats().NumClients)
}

func TestStatsHighWaterMarks(t *testing.T) {
	hub := NewHub(testLogger())
	a := newTestClient("a")
	b := newTestClient("b")
	hub.addClient(a)
	hub.addClient(b)
	require.NoError(t, hub.Join(a, "room1", "ja"))
	require.NoError(t, hub.Join(b, "room2", "jb"))
	hub.removeClient(a)
	hub.removeClient(b)

	stats := hub.Stats()
	assert.Equal(t, 0, stats.NumClients)
	assert.Equal(t, 2, stats.MaxClients)
	assert.Equal(t, 2, stats.MaxChannels)
}
