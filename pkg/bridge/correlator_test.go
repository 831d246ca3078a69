package bridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athel/canvasrelay/pkg/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	frames   []*wire.Envelope
	writeErr error
}

func (tr *fakeTransport) connected() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.open
}

func (tr *fakeTransport) writeEnvelope(env *wire.Envelope) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.writeErr != nil {
		return tr.writeErr
	}
	tr.frames = append(tr.frames, env)
	return nil
}

func (tr *fakeTransport) sentCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.frames)
}

func (tr *fakeTransport) lastFrame() *wire.Envelope {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.frames) == 0 {
		return nil
	}
	return tr.frames[len(tr.frames)-1]
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func newTestCorrelator(mock *clock.Mock, tr transport) *Correlator {
	cfg := defaultConfig()
	cfg.log = quietLogger()
	cfg.clk = mock
	return newCorrelator(tr, cfg)
}

type sendResult struct {
	result json.RawMessage
	err    error
}

// startSend runs Send on its own goroutine and waits for the command frame
// to hit the transport, so the deadline timer is armed before the test
// advances the clock.
func startSend(t *testing.T, c *Correlator, tr *fakeTransport, command, channel string, timeout time.Duration) (string, <-chan sendResult) {
	t.Helper()
	before := tr.sentCount()
	done := make(chan sendResult, 1)
	go func() {
		result, err := c.SendTimeout(context.Background(), command, nil, channel, timeout)
		done <- sendResult{result, err}
	}()
	require.Eventually(t, func() bool { return tr.sentCount() > before }, time.Second, time.Millisecond)
	return tr.lastFrame().ID, done
}

func awaitSend(t *testing.T, done <-chan sendResult) sendResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(time.Second):
		t.Fatal("send did not complete")
		return sendResult{}
	}
}

func TestSendNotConnected(t *testing.T) {
	tr := &fakeTransport{open: false}
	c := newTestCorrelator(clock.NewMock(), tr)

	_, err := c.Send(context.Background(), "echo", nil, "room1")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, tr.sentCount())
}

func TestSendRequiresChannel(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	// Fails locally, before any network I/O.
	_, err := c.Send(context.Background(), "echo", nil, "")
	assert.ErrorIs(t, err, ErrChannelRequired)
	assert.Equal(t, 0, tr.sentCount())
}

func TestJoinFrameShape(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	id, done := startSend(t, c, tr, "join", "room1", time.Second)
	frame := tr.lastFrame()
	assert.Equal(t, wire.TypeJoin, frame.Type)
	assert.Equal(t, "room1", frame.Channel)
	assert.Equal(t, id, frame.ID)

	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`"Connected to channel: room1"`)})
	res := awaitSend(t, done)
	require.NoError(t, res.err)
}

func TestSendTimesOut(t *testing.T) {
	tr := &fakeTransport{open: true}
	mock := clock.NewMock()
	c := newTestCorrelator(mock, tr)

	_, done := startSend(t, c, tr, "echo", "room1", 100*time.Millisecond)
	mock.Add(100 * time.Millisecond)

	res := awaitSend(t, done)
	assert.ErrorIs(t, res.err, ErrRequestTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestReplyResolves(t *testing.T) {
	tr := &fakeTransport{open: true}
	mock := clock.NewMock()
	c := newTestCorrelator(mock, tr)

	id, done := startSend(t, c, tr, "echo", "room1", 30*time.Second)
	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{"ok":true}`)})

	res := awaitSend(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":true}`, string(res.result))
	assert.Equal(t, 0, c.PendingCount())

	// The timer was cancelled along with the entry.
	mock.Add(time.Minute)
}

func TestReplyWithErrorRejects(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	id, done := startSend(t, c, tr, "echo", "room1", 30*time.Second)
	c.HandleReply(&wire.Reply{ID: id, Error: "no such node"})

	res := awaitSend(t, done)
	var remote *RemoteError
	require.True(t, errors.As(res.err, &remote))
	assert.Equal(t, "no such node", remote.Reason)
}

func TestUnmatchedReplyIgnored(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	id, done := startSend(t, c, tr, "echo", "room1", 30*time.Second)

	// A reply for an ID nobody is waiting on changes nothing.
	c.HandleReply(&wire.Reply{ID: "nobody", Result: json.RawMessage(`{}`)})
	assert.Equal(t, 1, c.PendingCount())

	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{}`)})
	require.NoError(t, awaitSend(t, done).err)
}

func TestCommandEchoLeftPending(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	id, done := startSend(t, c, tr, "echo", "room1", 30*time.Second)

	// The broadcast echoes our own command back: same ID, no result, no
	// error. The request must stay pending.
	c.HandleReply(&wire.Reply{ID: id})
	assert.Equal(t, 1, c.PendingCount())

	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{"ok":true}`)})
	res := awaitSend(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":true}`, string(res.result))
}

func TestDuplicateReplyIsNoOp(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	id, done := startSend(t, c, tr, "echo", "room1", 30*time.Second)
	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{"n":1}`)})
	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{"n":2}`)})

	res := awaitSend(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"n":1}`, string(res.result))
	assert.Equal(t, 0, c.PendingCount())
}

func TestProgressExtendsDeadline(t *testing.T) {
	tr := &fakeTransport{open: true}
	mock := clock.NewMock()
	c := newTestCorrelator(mock, tr)

	// A 40+ second operation against a 30 second deadline, kept alive by a
	// single progress report at t=25s.
	id, done := startSend(t, c, tr, "export_images", "room1", 30*time.Second)

	mock.Add(25 * time.Second)
	c.HandleProgress(&wire.ProgressPayload{
		CommandID: id,
		Status:    wire.StatusInProgress,
		Progress:  60,
	})

	// Well past the original deadline, the request is still pending: the
	// window restarted from the update's arrival, not from the send.
	mock.Add(30 * time.Second)
	assert.Equal(t, 1, c.PendingCount())

	mock.Add(5 * time.Second)
	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{"exported":12}`)})
	res := awaitSend(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"exported":12}`, string(res.result))
}

func TestProgressWindowStillExpires(t *testing.T) {
	tr := &fakeTransport{open: true}
	mock := clock.NewMock()
	c := newTestCorrelator(mock, tr)

	id, done := startSend(t, c, tr, "export_images", "room1", 30*time.Second)
	mock.Add(25 * time.Second)
	c.HandleProgress(&wire.ProgressPayload{CommandID: id, Status: wire.StatusInProgress})

	// One renewal buys one full window, not immortality.
	mock.Add(DefaultProgressWindow)
	res := awaitSend(t, done)
	assert.ErrorIs(t, res.err, ErrRequestTimeout)
}

func TestStaleDeadlineLosesToProgressRenewal(t *testing.T) {
	tr := &fakeTransport{open: true}
	mock := clock.NewMock()
	c := newTestCorrelator(mock, tr)

	id, done := startSend(t, c, tr, "export_images", "room1", 30*time.Second)

	// The original deadline timer has fired but its callback has not taken
	// the table lock yet when a renewal gets there first. The outdated
	// callback finds the entry renewed and must leave it alone.
	c.HandleProgress(&wire.ProgressPayload{CommandID: id, Status: wire.StatusInProgress})
	c.expire(id, 0)
	assert.Equal(t, 1, c.PendingCount())

	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{"exported":12}`)})
	require.NoError(t, awaitSend(t, done).err)

	// The renewed window itself still counts down.
	mock.Add(DefaultProgressWindow)
}

func TestProgressForUnknownCommandIgnored(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	c.HandleProgress(&wire.ProgressPayload{CommandID: "nobody", Status: wire.StatusStarted})
	assert.Equal(t, 0, c.PendingCount())
}

func TestTransportClosedDrainsAll(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	var dones []<-chan sendResult
	for i := 0; i < 3; i++ {
		_, done := startSend(t, c, tr, "echo", "room1", 30*time.Second)
		dones = append(dones, done)
	}
	require.Equal(t, 3, c.PendingCount())

	c.TransportClosed()
	for _, done := range dones {
		assert.ErrorIs(t, awaitSend(t, done).err, ErrConnectionClosed)
	}
	assert.Equal(t, 0, c.PendingCount())

	// A second close event finds an empty table.
	c.TransportClosed()
}

func TestContextCancelAbandonsRequest(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan sendResult, 1)
	go func() {
		result, err := c.SendTimeout(ctx, "echo", nil, "room1", 30*time.Second)
		done <- sendResult{result, err}
	}()
	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, time.Second, time.Millisecond)
	id := tr.lastFrame().ID

	cancel()
	res := awaitSend(t, done)
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())

	// A late reply for the abandoned request is a no-op.
	c.HandleReply(&wire.Reply{ID: id, Result: json.RawMessage(`{}`)})
}

func TestWriteFailureAbandonsRequest(t *testing.T) {
	tr := &fakeTransport{open: true, writeErr: errors.New("broken pipe")}
	c := newTestCorrelator(clock.NewMock(), tr)

	_, err := c.Send(context.Background(), "echo", nil, "room1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestMarshalableParamsTravel(t *testing.T) {
	tr := &fakeTransport{open: true}
	c := newTestCorrelator(clock.NewMock(), tr)

	done := make(chan sendResult, 1)
	go func() {
		result, err := c.Send(context.Background(), "set_text", map[string]interface{}{"text": "hi"}, "room1")
		done <- sendResult{result, err}
	}()
	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, time.Second, time.Millisecond)

	frame := tr.lastFrame()
	var cmd wire.Command
	require.NoError(t, json.Unmarshal(frame.Message, &cmd))
	assert.Equal(t, "set_text", cmd.Command)
	assert.Equal(t, frame.ID, cmd.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(cmd.Params))

	c.HandleReply(&wire.Reply{ID: cmd.ID, Result: json.RawMessage(`{}`)})
	require.NoError(t, awaitSend(t, done).err)
}
