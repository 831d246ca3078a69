package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/athel/canvasrelay/pkg/wire"
)

// transport is the correlator's view of the session: a place to write frames
// while the connection is open.
type transport interface {
	connected() bool
	writeEnvelope(*wire.Envelope) error
}

type outcome struct {
	result json.RawMessage
	err    error
}

// A pendingRequest tracks one outstanding command until it resolves, rejects
// or times out. Exactly one terminal transition happens per instance: the
// entry is removed from the table, under the table lock, before its outcome
// is delivered, so late replies and late progress find nothing to act on.
//
// timerGen counts deadline re-arms. A timer callback that fires between a
// renewal and taking the table lock carries the old generation; expire
// compares generations and ignores such stale callbacks.
type pendingRequest struct {
	id       string
	command  string
	timer    *clock.Timer
	timerGen uint64
	done     chan outcome // Buffered; receives exactly one outcome
}

// A Correlator matches replies and progress updates to the commands that
// caused them. It owns the pending-request table; the table's single mutex is
// the only synchronization between senders, the receive loop and timer
// callbacks.
type Correlator struct {
	log            *logrus.Logger
	clk            clock.Clock
	tr             transport
	timeout        time.Duration
	progressWindow time.Duration

	mtx     sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator(tr transport, cfg *config) *Correlator {
	return &Correlator{
		log:            cfg.log,
		clk:            cfg.clk,
		tr:             tr,
		timeout:        cfg.timeout,
		progressWindow: cfg.progressWindow,
		pending:        make(map[string]*pendingRequest),
	}
}

// Send issues a command on the given channel and awaits its reply, using the
// default deadline.
func (c *Correlator) Send(ctx context.Context, command string, params interface{}, channel string) (json.RawMessage, error) {
	return c.SendTimeout(ctx, command, params, channel, c.timeout)
}

// SendTimeout issues a command on the given channel and awaits its reply.
//
// It fails immediately, before any network I/O, when the transport is not
// connected or when channel is empty for anything but a join. Otherwise it
// stamps the command with a fresh correlation ID, arms a deadline timer, and
// blocks until the request reaches its one terminal state: resolved by a
// matching reply, rejected by a carried error, the deadline, or the
// transport closing. Progress updates for the command push the deadline out;
// see HandleProgress.
func (c *Correlator) SendTimeout(ctx context.Context, command string, params interface{}, channel string, timeout time.Duration) (json.RawMessage, error) {
	if !c.tr.connected() {
		return nil, errors.Wrapf(ErrNotConnected, "send %q", command)
	}
	if channel == "" && command != wire.TypeJoin {
		return nil, errors.Wrapf(ErrChannelRequired, "send %q", command)
	}

	var rawParams json.RawMessage
	if params != nil {
		var err error
		if rawParams, err = json.Marshal(params); err != nil {
			return nil, errors.Wrap(err, "marshal params")
		}
	}

	id := uuid.NewString()
	env, err := wire.NewCommandEnvelope(id, channel, command, rawParams)
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}

	p := &pendingRequest{
		id:      id,
		command: command,
		done:    make(chan outcome, 1),
	}
	c.mtx.Lock()
	c.pending[id] = p
	p.timer = c.clk.AfterFunc(timeout, func() { c.expire(id, 0) })
	c.mtx.Unlock()

	c.log.WithFields(logrus.Fields{
		"id":      id,
		"command": command,
		"channel": channel,
	}).Debug("Sending command")

	if err := c.tr.writeEnvelope(&env); err != nil {
		c.abandon(id)
		return nil, errors.Wrapf(err, "send %q", command)
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

// HandleReply resolves or rejects the pending request a reply belongs to.
// Replies for unknown IDs are logged and dropped. Replies carrying neither a
// result nor an error are echoes of somebody's command frame; they are
// ignored and the request stays pending.
func (c *Correlator) HandleReply(reply *wire.Reply) {
	c.mtx.Lock()
	p, ok := c.pending[reply.ID]
	if !ok {
		c.mtx.Unlock()
		c.log.WithField("id", reply.ID).Debug("Reply does not match a pending request")
		return
	}

	switch {
	case reply.Error != "":
		c.removeLocked(p)
		c.mtx.Unlock()
		p.done <- outcome{err: &RemoteError{Reason: reply.Error}}
	case len(reply.Result) > 0:
		c.removeLocked(p)
		c.mtx.Unlock()
		p.done <- outcome{result: reply.Result}
	default:
		// Likely our own command echoed back by the broadcast.
		c.mtx.Unlock()
		c.log.WithField("id", reply.ID).Debug("Ignoring frame without result or error")
	}
}

// HandleProgress renews the deadline of the pending request a progress
// update belongs to. The fresh window is measured from the update's arrival,
// so an active long-running command never times out while it keeps
// reporting. Progress never resolves a request.
func (c *Correlator) HandleProgress(update *wire.ProgressPayload) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	p, ok := c.pending[update.CommandID]
	if !ok {
		c.log.WithField("id", update.CommandID).Debug("Progress does not match a pending request")
		return
	}

	p.timer.Stop()
	p.timerGen++
	gen := p.timerGen
	p.timer = c.clk.AfterFunc(c.progressWindow, func() { c.expire(p.id, gen) })

	c.log.WithFields(logrus.Fields{
		"id":       p.id,
		"command":  p.command,
		"status":   update.Status,
		"progress": update.Progress,
	}).Debug("Command progress")
}

// TransportClosed rejects every pending request and clears the table. Safe
// to call more than once; a second call finds an empty table.
func (c *Correlator) TransportClosed() {
	c.mtx.Lock()
	drained := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mtx.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.done <- outcome{err: errors.Wrapf(ErrConnectionClosed, "command %q", p.command)}
	}
	if len(drained) > 0 {
		c.log.WithField("count", len(drained)).Warn("Rejected pending requests on connection close")
	}
}

// PendingCount reports the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.pending)
}

// expire is the deadline timer's callback. gen identifies the timer that
// fired; a progress renewal that beat the callback to the lock bumped the
// request's generation, and the outdated callback must not reject it.
func (c *Correlator) expire(id string, gen uint64) {
	c.mtx.Lock()
	p, ok := c.pending[id]
	if !ok || p.timerGen != gen {
		c.mtx.Unlock()
		return
	}
	delete(c.pending, id)
	c.mtx.Unlock()

	c.log.WithFields(logrus.Fields{
		"id":      id,
		"command": p.command,
	}).Warn("Command timed out")
	p.done <- outcome{err: errors.Wrapf(ErrRequestTimeout, "command %q", p.command)}
}

// abandon drops a pending request without delivering an outcome. Used when
// the caller itself gives up (context cancellation, write failure).
func (c *Correlator) abandon(id string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

// removeLocked takes a request out of the table. Callers must hold the
// table lock.
func (c *Correlator) removeLocked(p *pendingRequest) {
	p.timer.Stop()
	delete(c.pending, p.id)
}
