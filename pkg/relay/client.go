package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/athel/canvasrelay/pkg/wire"
)

const (
	writeWait    = 10 * time.Second
	sendBuffSize = 16 // Buffer size of the per-client outbound queue
)

// A client is one connection as the hub sees it. The hub routes to it but
// does not own its lifetime; the pumps do.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  *logrus.Entry

	out  chan *wire.Envelope
	done chan struct{} // Closed when the client is finished

	stopOnce   sync.Once
	stopReason string

	ch *channel // Current channel; guarded by the hub's registry lock
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	id := uuid.NewString()
	return &client{
		id:   id,
		hub:  hub,
		conn: conn,
		log:  hub.log.WithField("client", id),
		out:  make(chan *wire.Envelope, sendBuffSize),
		done: make(chan struct{}),
	}
}

// run drives the connection until it closes, then removes the client from
// the hub. Must be called once, on its own goroutine.
func (c *client) run(pingPeriod, pongWait time.Duration) {
	go c.writePump(pingPeriod)
	c.readPump(pongWait)

	c.hub.removeClient(c)
	c.stop("connection closed")
	c.log.WithField("reason", c.stopReason).Info("Client disconnected")
}

// readPump reads frames off the socket and hands them to the hub.
// Malformed frames are answered with an error frame and dropped; they never
// take the connection down.
func (c *client) readPump(pongWait time.Duration) {
	if pongWait > 0 {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.stopped() {
				c.log.WithError(err).Warn("Read error")
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.WithError(err).Warn("Discarding malformed frame")
			c.sendError("malformed frame")
			continue
		}
		c.handle(&env)
	}
}

func (c *client) handle(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeJoin:
		if err := c.hub.Join(c, env.Channel, env.ID); err != nil {
			c.sendError(err.Error())
		}
	case wire.TypeMessage, wire.TypeProgress:
		if err := c.hub.Route(c, env); err != nil {
			c.sendError(err.Error())
		}
	default:
		c.sendError("unknown frame type: " + env.Type)
	}
}

// writePump serializes frames from the outbound queue onto the socket and
// keeps the connection alive with periodic pings.
func (c *client) writePump(pingPeriod time.Duration) {
	var pingCH <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		pingCH = ticker.C
	}

	for {
		select {
		case env := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.stop("write error")
				return
			}
		case <-pingCH:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop("ping failed")
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue queues a frame for delivery. Delivery is best effort while the
// connection is open; a client that cannot drain its queue is dropped rather
// than allowed to stall the channel it shares with others.
func (c *client) enqueue(env *wire.Envelope) {
	select {
	case <-c.done:
	case c.out <- env:
	default:
		c.stop("send buffer overflow")
	}
}

func (c *client) sendError(reason string) {
	metricProtocolErrors.Inc()
	env := wire.NewErrorEnvelope(reason)
	c.enqueue(&env)
}

func (c *client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// stop stops a client. It is idempotent; only the first reason is kept.
func (c *client) stop(reason string) {
	c.stopOnce.Do(func() {
		c.stopReason = reason
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
