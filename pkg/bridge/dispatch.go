package bridge

import (
	"encoding/json"

	"github.com/athel/canvasrelay/pkg/wire"
)

// dispatch classifies one inbound frame and routes it to the correlator.
// Progress updates renew deadlines, replies resolve or reject, and
// everything else is diagnostic noise. Parse failures are logged and
// dropped; they cannot be attributed to a correlation ID, so no pending
// request ever sees them.
func (s *Session) dispatch(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.WithError(err).Warn("Discarding malformed frame")
		return
	}

	switch env.Type {
	case wire.TypeProgress:
		var pm wire.ProgressMessage
		if err := json.Unmarshal(env.Message, &pm); err != nil {
			s.log.WithError(err).Warn("Discarding malformed progress frame")
			return
		}
		s.correlator.HandleProgress(&pm.Data)

	case wire.TypeBroadcast, wire.TypeSystem:
		var reply wire.Reply
		if err := json.Unmarshal(env.Message, &reply); err != nil || reply.ID == "" {
			s.log.WithField("type", env.Type).Debug("Ignoring frame without a correlation ID")
			return
		}
		s.correlator.HandleReply(&reply)

	case wire.TypeError:
		var reason string
		if err := json.Unmarshal(env.Message, &reason); err != nil {
			reason = string(env.Message)
		}
		s.log.WithField("reason", reason).Warn("Relay reported an error")

	default:
		s.log.WithField("type", env.Type).Debug("Ignoring unknown frame")
	}
}
