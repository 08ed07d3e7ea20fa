// Package operation implements the per-request Operation object,
// allocated by the dispatcher loop for every BER PDU read
// off a connection, carrying the decoded request, its status, and the
// framer buffer it reuses across its lifetime.
package operation

import (
	"sync"
	"sync/atomic"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"
)

// Status is the monotonic operation lifecycle state,
// backed by an atomic so IsAbandoned (Status) is a
// lock-free read from any goroutine, including the abandon handler
// racing the worker processing the same operation.
type Status int32

const (
	Processing Status = iota
	Abandoned
	WillComplete
	ResultSent
)

func (s Status) String() string {
	switch s {
	case Processing:
		return "PROCESSING"
	case Abandoned:
		return "ABANDONED"
	case WillComplete:
		return "WILL_COMPLETE"
	case ResultSent:
		return "RESULT_SENT"
	default:
		return "UNKNOWN"
	}
}

// Operation is one in-flight LDAP request.
type Operation struct {
	MsgID   int64
	Tag     goberasn1.Tag
	Request *goberasn1.Packet // decoded protocolOp
	Controls *goberasn1.Packet

	status atomic.Int32

	// Late-bound identity snapshot: taken once, at
	// dispatch time, so a TLS handshake finishing after accept but
	// before the first request is reflected.
	EffectiveSSF int32
	AuthDN       string

	TargetDN   string
	SASLMech   string
	Credentials []byte
	MatchedDN  string

	extensions []func()
}

// pool holds released Operation structs so framer buffers and slices
// (MsgID, Request, Controls are always replaced wholesale, but the
// struct allocation itself is reused) don't round-trip through the
// allocator on every request; the framer buffer is reused, never freed
// separately.
var pool = sync.Pool{New: func() any { return new(Operation) }}

// New takes an Operation from the pool, sets msgID and tag, clears every
// other field, and marks it Processing.
func New(msgID int64, tag goberasn1.Tag) *Operation {
	op := pool.Get().(*Operation)
	op.MsgID = msgID
	op.Tag = tag
	op.Request = nil
	op.Controls = nil
	op.EffectiveSSF = 0
	op.AuthDN = ""
	op.TargetDN = ""
	op.SASLMech = ""
	op.Credentials = nil
	op.MatchedDN = ""
	op.extensions = op.extensions[:0]
	op.status.Store(int32(Processing))
	return op
}

// Status returns the current lifecycle state.
func (op *Operation) Status() Status { return Status(op.status.Load()) }

// SetStatus transitions the operation's status.
func (op *Operation) SetStatus(s Status) { op.status.Store(int32(s)) }

// IsAbandoned is a plain read of status.
func (op *Operation) IsAbandoned() bool { return op.Status() == Abandoned }

// OnRelease registers a plugin-extension destructor to run before the
// operation's fields are cleared and the struct returned to the pool
// for reuse.
func (op *Operation) OnRelease(fn func()) {
	op.extensions = append(op.extensions, fn)
}

// Release runs registered extension destructors, clears the target DN,
// saslmech, credentials, controls and matched-DN, and returns the
// struct to the pool for the next operation on the same connection.
func Release(op *Operation) {
	for i := len(op.extensions) - 1; i >= 0; i-- {
		op.extensions[i]()
	}
	op.Request = nil
	op.Controls = nil
	op.TargetDN = ""
	op.SASLMech = ""
	op.Credentials = nil
	op.MatchedDN = ""
	op.extensions = op.extensions[:0]
	pool.Put(op)
}
