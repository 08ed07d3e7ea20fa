// Package ber frames LDAPv3 PDUs off a byte stream using the wire
// primitives from github.com/go-asn1-ber/asn1-ber, adding the
// non-blocking peek/read/retry contract the connection-and-request core
// requires.
package ber

// Status is the outcome of one ReadOperation attempt.
type Status int

const (
	// StatusOk means a full PDU was decoded and is ready to dispatch.
	StatusOk Status = iota
	// StatusWouldBlock means the read would have blocked; the caller
	// should retry later (turbo loop / poll set).
	StatusWouldBlock
	// StatusTimeout means the cumulative wait exceeded ioblock-timeout;
	// set by the caller, never returned directly by Framer.
	StatusTimeout
	// StatusShutdown means the caller observed a shutdown signal before
	// a PDU completed; set by the caller, never returned directly by
	// Framer.
	StatusShutdown
	// StatusDone means the connection is finished: EOF, a fatal framing
	// error, or an explicit close.
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusWouldBlock:
		return "WouldBlock"
	case StatusTimeout:
		return "Timeout"
	case StatusShutdown:
		return "Shutdown"
	case StatusDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Reason is a disconnect reason code attached to a fatal framing error,
// surfaced on the disconnect access-log line.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonBerTooBig      Reason = "BER_TOO_BIG"
	ReasonBadBerTag      Reason = "BAD_BER_TAG"
	ReasonBadMsgID       Reason = "BAD_MSGID"
	ReasonProtocolTimeout Reason = "PROTOCOL_TIMEOUT"
)

// FatalError is returned when framing cannot continue and the connection
// must be torn down.
type FatalError struct {
	Reason Reason
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }
