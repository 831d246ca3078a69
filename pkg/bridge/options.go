package bridge

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Defaults for session and correlator behavior.
const (
	// DefaultTimeout is the deadline for an ordinary command.
	DefaultTimeout = 30 * time.Second

	// DefaultProgressWindow is the fresh deadline armed each time a command
	// reports progress. A command that reports progress at least once per
	// window never times out.
	DefaultProgressWindow = 60 * time.Second

	// DefaultReconnectDelay is the fixed delay between a close event and the
	// next connection attempt.
	DefaultReconnectDelay = 2 * time.Second
)

type config struct {
	log            *logrus.Logger
	clk            clock.Clock
	dialer         *websocket.Dialer
	timeout        time.Duration
	progressWindow time.Duration
	reconnectDelay time.Duration
}

func defaultConfig() *config {
	return &config{
		log:            logrus.New(),
		clk:            clock.New(),
		dialer:         websocket.DefaultDialer,
		timeout:        DefaultTimeout,
		progressWindow: DefaultProgressWindow,
		reconnectDelay: DefaultReconnectDelay,
	}
}

// An Option configures a Session.
type Option func(*config)

// WithLogger sets the logger used by the session and its correlator.
func WithLogger(log *logrus.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithClock sets the clock driving deadline timers and reconnect delays.
// Tests inject a mock clock here.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clk = clk }
}

// WithDialer sets the WebSocket dialer used to reach the relay.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *config) { c.dialer = dialer }
}

// WithTimeout sets the default command deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithProgressWindow sets the deadline armed on each progress update.
func WithProgressWindow(d time.Duration) Option {
	return func(c *config) { c.progressWindow = d }
}

// WithReconnectDelay sets the fixed delay between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) { c.reconnectDelay = d }
}
