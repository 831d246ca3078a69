package relay

import "github.com/athel/canvasrelay/pkg/wire"

// A channel relays frames between the clients that joined it.
// Channels are created on first join and garbage collected by the hub when
// the last member leaves. All access happens under the hub's registry lock.
type channel struct {
	name    string
	members map[string]*client
}

func newChannel(name string) *channel {
	return &channel{
		name: name,
		// A channel only ever exists because somebody is joining it.
		members: make(map[string]*client, 1),
	}
}

// broadcast sends a frame to every member of the channel, the sender
// included. Each receiver's own correlator decides by ID whether the frame
// matters to it.
func (ch *channel) broadcast(env *wire.Envelope) {
	for _, member := range ch.members {
		member.enqueue(env)
	}
}
