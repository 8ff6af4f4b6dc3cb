package s7

import "time"

// EventType identifies the kind of lifecycle event emitted by a Client.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventConnectTimeout
	EventDisconnected
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectTimeout:
		return "connect-timeout"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the envelope delivered on Client.Events.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Reason    string
	Err       error
}

const eventBufferSize = 64
