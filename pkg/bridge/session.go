// Package bridge implements the caller side of the CanvasRelay protocol: a
// reconnecting session to the relay and a correlator that matches
// asynchronous replies and progress updates back to the commands that caused
// them.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/athel/canvasrelay/pkg/wire"
)

// State is the lifecycle state of a session's connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// A Session owns one connection to the relay: it connects on construction,
// reconnects forever on a fixed delay when the connection drops, and drains
// the correlator's pending table on every close.
type Session struct {
	url            string
	log            *logrus.Logger
	clk            clock.Clock
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	correlator *Correlator

	mtx     sync.Mutex // Protects conn, state, channel
	conn    *websocket.Conn
	state   State
	channel string

	writeMtx sync.Mutex // Serializes writes to conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial creates a session and starts connecting to the relay immediately.
// The returned session retries failed connections forever, every
// reconnect-delay, until Close is called.
func Dial(url string, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		url:            url,
		log:            cfg.log,
		clk:            cfg.clk,
		dialer:         cfg.dialer,
		reconnectDelay: cfg.reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.correlator = newCorrelator(s, cfg)

	s.wg.Add(1)
	go s.run()
	return s
}

// run is the session's connect loop. Errors on an open connection are only
// logged; it is the read loop returning, and nothing else, that drives
// recovery, so a reconnect is never scheduled twice for one close.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.setState(Disconnected)

	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setState(Connecting)

		conn, _, err := s.dialer.DialContext(s.ctx, s.url, nil)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).WithField("url", s.url).Warn("Cannot connect to relay")
			s.setState(Disconnected)
			if !s.sleep(s.reconnectDelay) {
				return
			}
			continue
		}

		s.attach(conn)
		s.readLoop(conn)
		s.detach(conn)

		if !s.sleep(s.reconnectDelay) {
			return
		}
	}
}

// attach installs a freshly opened connection. Only the run loop calls it,
// and only between closes, so there is never a live connection to displace.
func (s *Session) attach(conn *websocket.Conn) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.conn = conn
	s.state = Connected
	s.log.WithField("url", s.url).Info("Connected to relay")
}

// detach tears down a closed connection and drains the correlator, exactly
// once per close event.
func (s *Session) detach(conn *websocket.Conn) {
	conn.Close()

	s.mtx.Lock()
	alreadyClosed := s.state == Disconnected
	if s.conn == conn {
		s.conn = nil
	}
	s.state = Disconnected
	s.mtx.Unlock()

	if alreadyClosed {
		return
	}
	s.correlator.TransportClosed()
	if s.ctx.Err() == nil {
		s.log.WithField("delay", s.reconnectDelay).Info("Disconnected from relay; will reconnect")
	}
}

// readLoop is the single receive loop for one connection. It returns when
// the connection dies; every inbound frame goes through the dispatcher and
// no frame, however malformed, takes the loop down early.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.WithError(err).Debug("Read loop ended")
			}
			return
		}
		s.dispatch(data)
	}
}

// sleep waits for d, or returns false early if the session is closing.
func (s *Session) sleep(d time.Duration) bool {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) setState(state State) {
	s.mtx.Lock()
	s.state = state
	s.mtx.Unlock()
}

// State reports the session's current connection state.
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// WaitConnected blocks until the session is connected, or ctx expires.
func (s *Session) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.State() == Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrConnectionClosed
		case <-ticker.C:
		}
	}
}

// Join joins a channel on the relay and remembers it as the session's
// current channel. Joining a new channel implicitly leaves the previous one;
// the relay enforces that, not the session.
func (s *Session) Join(ctx context.Context, channel string) error {
	if _, err := s.correlator.Send(ctx, wire.TypeJoin, nil, channel); err != nil {
		return err
	}
	s.mtx.Lock()
	s.channel = channel
	s.mtx.Unlock()
	return nil
}

// Channel returns the channel last joined through this session.
func (s *Session) Channel() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.channel
}

// Send issues a command on a channel and awaits the executor's reply. The
// command and params are opaque to the session; validating them is the
// caller's business.
func (s *Session) Send(ctx context.Context, command string, params interface{}, channel string) (json.RawMessage, error) {
	return s.correlator.Send(ctx, command, params, channel)
}

// SendTimeout is Send with an explicit deadline.
func (s *Session) SendTimeout(ctx context.Context, command string, params interface{}, channel string, timeout time.Duration) (json.RawMessage, error) {
	return s.correlator.SendTimeout(ctx, command, params, channel, timeout)
}

// Correlator exposes the session's correlator, mainly to executors that need
// to hook the same connection.
func (s *Session) Correlator() *Correlator {
	return s.correlator
}

// Close tears down the connection and stops all future reconnection
// attempts. Pending requests are rejected with ErrConnectionClosed.
func (s *Session) Close() error {
	s.cancel()

	s.mtx.Lock()
	conn := s.conn
	s.mtx.Unlock()
	if conn != nil {
		s.writeMtx.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMtx.Unlock()
		conn.Close()
	}

	s.wg.Wait()
	s.correlator.TransportClosed()
	return nil
}

// connected implements transport.
func (s *Session) connected() bool {
	return s.State() == Connected
}

// writeEnvelope implements transport. Writes are serialized; the underlying
// connection allows one concurrent writer.
func (s *Session) writeEnvelope(env *wire.Envelope) error {
	s.mtx.Lock()
	conn := s.conn
	s.mtx.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env)
}
