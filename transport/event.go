package transport

// EventType identifies a connection event.
type EventType int

const (
	// EventAccepted is emitted when an inbound SYN created a new
	// connection.
	EventAccepted EventType = iota
	// EventStateChanged is emitted on every state transition. For a
	// terminal state the Err field carries the failure, or nil for a
	// graceful close.
	EventStateChanged
	// EventReadable is emitted when new in-order data or the end of
	// the stream became available to Read.
	EventReadable
	// EventWritable is emitted when window opened up after Write had
	// been short.
	EventWritable
)

// Event is a state change notification. Events are accumulated by the
// Manager and drained with Events after each Recv or Tick call.
type Event struct {
	Type  EventType
	Conn  *Conn
	State State
	Err   *Error
}

func (e Event) String() string {
	switch e.Type {
	case EventAccepted:
		return "accepted"
	case EventStateChanged:
		if e.Err != nil {
			return "state_changed " + e.State.String() + " " + e.Err.Error()
		}
		return "state_changed " + e.State.String()
	case EventReadable:
		return "readable"
	case EventWritable:
		return "writable"
	default:
		return "unknown"
	}
}
