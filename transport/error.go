package transport

import (
	"errors"
	"fmt"
)

// Error codes reported through state change events. A graceful close
// carries NoError.
const (
	NoError           = 0x0
	InternalError     = 0x1
	ProtocolViolation = 0x2
	ConnectionReset   = 0x3
	ResourceExhausted = 0x4
	TimeoutExceeded   = 0x5
)

type Error struct {
	Code    uint64
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("0x%x %s", e.Code, e.Message)
	}
	return fmt.Sprintf("0x%x", e.Code)
}

func newError(code uint64, msg string, v ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(msg, v...),
	}
}

var (
	errInvalidPacket     = newError(ProtocolViolation, "PacketEncoding")
	errProtocolViolation = newError(ProtocolViolation, "ProtocolViolation")
	errConnectionReset   = newError(ConnectionReset, "ConnectionReset")
	errReorderLimit      = newError(ResourceExhausted, "ReorderLimit")
	errPoolLimit         = newError(ResourceExhausted, "PoolMemory")
	errTimeout           = newError(TimeoutExceeded, "Timeout")
	errConnectTimeout    = newError(TimeoutExceeded, "ConnectTimeout")

	errShortBuffer = errors.New("ShortBuffer")
	errClosed      = errors.New("ConnectionClosed")
)
