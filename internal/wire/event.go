package wire

// SocketEvent is a transport event delivered to a suspended exchange.
type SocketEvent int

const (
	// EventOpenRead signals read readiness. It is also used for container
	// initiated dispatches and completions.
	EventOpenRead SocketEvent = iota
	// EventOpenWrite signals write readiness.
	EventOpenWrite
	// EventTimeout signals that the async timeout elapsed.
	EventTimeout
	// EventError signals a transport or application error.
	EventError
)

func (e SocketEvent) String() string {
	switch e {
	case EventOpenRead:
		return "open_read"
	case EventOpenWrite:
		return "open_write"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// AttributeError names the request attribute holding the error that caused
// an EventError.
const AttributeError = "wire.error"
