package transport

import (
	"bytes"
	"strconv"
	"time"
)

// Supported log events
const (
	// Connection
	logEventConnStateUpdated = "connectivity:connection_state_updated"
	// Packet
	logEventPacketReceived = "transport:packet_received"
	logEventPacketSent     = "transport:packet_sent"
	logEventPacketDropped  = "transport:packet_dropped"
	logEventPacketLost     = "recovery:packet_lost"
	// Recovery
	logEventMetricsUpdated = "recovery:metrics_updated"
	// Path
	logEventMTUUpdated = "path:mtu_updated"
)

// Packet dropped triggers.
const (
	logTriggerUnknownConnectionID = "unknown_connection_id"
	logTriggerHeaderParseError    = "header_parse_error"
	logTriggerDuplicate           = "duplicate"
	logTriggerUnexpectedPacket    = "unexpected_packet"
	logTriggerStale               = "stale"
)

const hexTable = "0123456789abcdef"

// logger logs their state in key=value pairs.
type logger interface {
	log([]byte) []byte
}

// LogEvent is an event emitted by the engine for diagnostics.
// Application must not retain Data as it is from internal buffers.
type LogEvent struct {
	Time time.Time
	Name string
	Data []byte
}

func newLogEvent(tm time.Time, nm string) LogEvent {
	return LogEvent{
		Time: tm,
		Name: nm,
		Data: make([]byte, 0, 256),
	}
}

// addField adds a key-value field to current event.
// Only limited types of v are supported.
func (s *LogEvent) addField(k string, v interface{}) {
	s.Data = appendField(s.Data, k, v)
}

func (s LogEvent) String() string {
	w := bytes.Buffer{}
	w.WriteString(s.Time.Format(time.RFC3339))
	w.WriteString(" ")
	w.WriteString(s.Name)
	w.WriteString(" ")
	w.Write(s.Data)
	return w.String()
}

func appendField(b []byte, key string, val interface{}) []byte {
	if len(b) > 0 {
		b = append(b, ' ')
	}
	b = append(b, key...)
	b = append(b, '=')
	return appendFieldValue(b, val)
}

func appendFieldValue(b []byte, val interface{}) []byte {
	switch val := val.(type) {
	case int:
		b = strconv.AppendInt(b, int64(val), 10)
	case int8:
		b = strconv.AppendInt(b, int64(val), 10)
	case int16:
		b = strconv.AppendInt(b, int64(val), 10)
	case int32:
		b = strconv.AppendInt(b, int64(val), 10)
	case int64:
		b = strconv.AppendInt(b, val, 10)
	case uint:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint8:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint16:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint32:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint64:
		b = strconv.AppendUint(b, val, 10)
	case bool:
		b = strconv.AppendBool(b, val)
	case string:
		b = append(b, val...)
	case []byte:
		for _, v := range val {
			b = append(b, hexTable[v>>4])
			b = append(b, hexTable[v&0x0f])
		}
	case time.Duration:
		b = strconv.AppendInt(b, int64(val/time.Millisecond), 10)
	default:
		b = append(b, "<unsupported_type>"...)
	}
	return b
}

// Log connection state

func logConnectionState(e *LogEvent, old, new State) {
	e.addField("old", old.String())
	e.addField("new", new.String())
}

// Log packets

func logPacket(e *LogEvent, s *packet) {
	e.Data = s.log(e.Data)
}
