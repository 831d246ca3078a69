package bridge

import "errors"

// Errors surfaced to callers of Send.
var (
	// ErrNotConnected is returned when a command is issued while the session
	// is not connected to the relay. No network I/O is attempted.
	ErrNotConnected = errors.New("not connected to relay")

	// ErrChannelRequired is returned when a non-join command is issued
	// without a channel. No network I/O is attempted.
	ErrChannelRequired = errors.New("no channel specified")

	// ErrRequestTimeout is returned when no reply and no progress arrived
	// within the active deadline window.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed is returned for every request still outstanding
	// when the transport drops.
	ErrConnectionClosed = errors.New("connection closed")
)

// A RemoteError carries an executor-reported failure, verbatim.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return e.Reason
}
