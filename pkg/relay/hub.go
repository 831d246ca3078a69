package relay

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/athel/canvasrelay/pkg/wire"
)

// Hub errors reported back to clients as error frames.
var (
	ErrChannelRequired = errors.New("no channel specified")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotJoined       = errors.New("not in a channel")
)

// Hub owns the channel registry. It decides who is in which channel and
// forwards frames between members; the frames themselves stay opaque to it.
//
// A client belongs to at most one channel at a time; joining another channel
// implicitly leaves the previous one.
type Hub struct {
	log       *logrus.Logger
	startedAt time.Time

	mtx             sync.RWMutex // Protects everything below
	channels        map[string]*channel
	clients         map[string]*client
	maxChannels     int
	maxChannelsTime time.Time
	maxClients      int
	maxClientsTime  time.Time
}

// NewHub creates an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	now := time.Now()
	return &Hub{
		log:             log,
		startedAt:       now,
		channels:        make(map[string]*channel),
		clients:         make(map[string]*client),
		maxChannelsTime: now,
		maxClientsTime:  now,
	}
}

// addClient registers a connection with the hub. The client is not in any
// channel until its first join.
func (h *Hub) addClient(c *client) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.clients[c.id] = c
	if len(h.clients) > h.maxClients {
		h.maxClients = len(h.clients)
		h.maxClientsTime = time.Now()
	}
	metricConnectedClients.Inc()
}

// removeClient takes a connection out of its channel and out of the hub.
// Called when the connection closes; the client cannot rejoin afterwards.
func (h *Hub) removeClient(c *client) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	h.leaveLocked(c)
	delete(h.clients, c.id)
	metricConnectedClients.Dec()
}

// Join adds a client to the named channel, creating it if needed, and
// confirms the join back to the caller with a system frame carrying the
// request's correlation ID. If the client was in another channel it leaves
// that one first.
func (h *Hub) Join(c *client, name, requestID string) error {
	if name == "" {
		return ErrChannelRequired
	}

	h.mtx.Lock()
	if c.ch != nil {
		h.leaveLocked(c)
	}

	ch, ok := h.channels[name]
	if !ok {
		ch = newChannel(name)
		h.channels[name] = ch
		metricActiveChannels.Inc()
		if len(h.channels) > h.maxChannels {
			h.maxChannels = len(h.channels)
			h.maxChannelsTime = time.Now()
		}
	}
	ch.members[c.id] = c
	c.ch = ch
	h.mtx.Unlock()

	ack, err := wire.NewSystemEnvelope(requestID, name, "Connected to channel: "+name)
	if err != nil {
		return errors.Wrap(err, "encode join ack")
	}
	c.enqueue(&ack)
	metricJoins.Inc()

	h.log.WithFields(logrus.Fields{
		"client":  c.id,
		"channel": name,
	}).Info("Client joined channel")
	return nil
}

// Route relays a frame to every current member of its channel, the sender
// included. Only members relay: a frame for a channel the sender never
// joined is refused. Message frames are relayed as broadcasts; progress
// frames keep their type so receivers can renew deadlines without resolving
// anything.
func (h *Hub) Route(c *client, env *wire.Envelope) error {
	if env.Channel == "" {
		return ErrChannelRequired
	}

	h.mtx.RLock()
	defer h.mtx.RUnlock()

	ch, ok := h.channels[env.Channel]
	if !ok {
		return ErrChannelNotFound
	}
	if c.ch != ch {
		return ErrNotJoined
	}

	typ := env.Type
	if typ == wire.TypeMessage {
		typ = wire.TypeBroadcast
	}
	out := wire.Envelope{
		ID:      env.ID,
		Type:    typ,
		Channel: env.Channel,
		Sender:  c.id,
		Message: env.Message,
	}
	ch.broadcast(&out)
	metricRelayedFrames.Inc()
	return nil
}

// leaveLocked removes a client from its channel, deleting the channel when
// the last member is gone. Callers must hold the registry lock.
func (h *Hub) leaveLocked(c *client) {
	ch := c.ch
	if ch == nil {
		return
	}
	delete(ch.members, c.id)
	c.ch = nil
	if len(ch.members) == 0 {
		delete(h.channels, ch.name)
		metricActiveChannels.Dec()
	}

	h.log.WithFields(logrus.Fields{
		"client":  c.id,
		"channel": ch.name,
	}).Info("Client left channel")
}

// Stats contains summary information about a running hub.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
	NumClients      int           `json:"num_clients"`
	MaxClients      int           `json:"max_clients"`
	MaxClientsTime  time.Time     `json:"max_clients_at"`
}

// Stats gets stats for this hub.
func (h *Hub) Stats() Stats {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	return Stats{
		Uptime:          time.Since(h.startedAt),
		NumChannels:     len(h.channels),
		MaxChannels:     h.maxChannels,
		MaxChannelsTime: h.maxChannelsTime,
		NumClients:      len(h.clients),
		MaxClients:      h.maxClients,
		MaxClientsTime:  h.maxClientsTime,
	}
}
