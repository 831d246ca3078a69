// Package wire defines the frame format spoken between the relay and its clients.
//
// Every frame on the wire is an Envelope. The relay only ever looks at the
// envelope's id, type and channel; the inner message stays opaque to it.
package wire

import "encoding/json"

// Frame types carried in Envelope.Type.
const (
	TypeJoin      = "join"
	TypeMessage   = "message"
	TypeBroadcast = "broadcast"
	TypeProgress  = "progress_update"
	TypeSystem    = "system"
	TypeError     = "error"
)

// Progress statuses carried in ProgressPayload.Status.
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// An Envelope is one frame on the wire.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// A Command is the inner message of a frame issued by a caller.
// ID repeats the envelope's correlation ID so executors can echo it back.
type Command struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// A Reply is the inner message of a frame answering a Command.
// Exactly one of Result and Error is expected to be set; frames carrying
// neither are echoes of somebody else's traffic and must be ignored.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// A ProgressMessage is the inner message of a progress_update frame.
type ProgressMessage struct {
	Data ProgressPayload `json:"data"`
}

// A ProgressPayload reports liveness of a long-running command.
// It never resolves the command; it only extends its deadline.
type ProgressPayload struct {
	CommandID      string  `json:"commandId"`
	CommandType    string  `json:"commandType"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	TotalItems     int     `json:"totalItems"`
	ProcessedItems int     `json:"processedItems"`
	Message        string  `json:"message"`
	Timestamp      int64   `json:"timestamp"`
}

// NewCommandEnvelope builds the outbound frame for a command. Join commands
// are carried as join frames; everything else is an ordinary message frame.
func NewCommandEnvelope(id, channel, command string, params json.RawMessage) (Envelope, error) {
	inner, err := json.Marshal(Command{ID: id, Command: command, Params: params})
	if err != nil {
		return Envelope{}, err
	}

	typ := TypeMessage
	if command == TypeJoin {
		typ = TypeJoin
	}
	return Envelope{
		ID:      id,
		Type:    typ,
		Channel: channel,
		Message: inner,
	}, nil
}

// NewReplyEnvelope builds the outbound frame an executor answers a command with.
func NewReplyEnvelope(commandID, channel string, result json.RawMessage, errText string) (Envelope, error) {
	inner, err := json.Marshal(Reply{ID: commandID, Result: result, Error: errText})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:      commandID,
		Type:    TypeMessage,
		Channel: channel,
		Message: inner,
	}, nil
}

// NewProgressEnvelope builds the outbound frame an executor reports progress with.
func NewProgressEnvelope(channel string, payload ProgressPayload) (Envelope, error) {
	inner, err := json.Marshal(ProgressMessage{Data: payload})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:      payload.CommandID,
		Type:    TypeProgress,
		Channel: channel,
		Message: inner,
	}, nil
}

// NewSystemEnvelope builds a relay-originated acknowledgment frame.
func NewSystemEnvelope(requestID, channel string, result interface{}) (Envelope, error) {
	res, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, err
	}
	inner, err := json.Marshal(Reply{ID: requestID, Result: res})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:    TypeSystem,
		Channel: channel,
		Message: inner,
	}, nil
}

// NewErrorEnvelope builds a relay-originated protocol error frame.
// The inner message is a bare string, not a Reply.
func NewErrorEnvelope(reason string) Envelope {
	inner, _ := json.Marshal(reason)
	return Envelope{
		Type:    TypeError,
		Message: inner,
	}
}
