// Package conntable implements the fixed-capacity connection slot table
// and per-connection state of the daemon: one
// Connection per live client socket, a table-wide lock serializing slot
// allocation and active-list splicing, and a per-slot lock serializing
// intra-connection mutation.
//
// Lock ordering is table lock, then connection lock; no method takes
// Table.mu while already holding a Connection's mutex.
package conntable

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/iolayer"
	"github.com/silverleaf/ldapd/ioutils/mapCloser"
)

// Flag is the connection transport/lifecycle flag set.
type Flag uint32

const (
	FlagPlain Flag = 1 << iota
	FlagTLS
	FlagSASLWrap
	FlagClosing
	FlagBulkImport
	FlagSASLContinue
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// LocalChannelSSF is the security strength factor credited to a
// connection accepted on the local (AF_UNIX) listener: no cipher is
// negotiated, but the
// kernel-enforced peer-credential boundary is treated as equivalent to a
// moderate-strength channel.
const LocalChannelSSF int32 = 71

// AuthType identifies how the connection's identity was established.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthSimple
	AuthSASL
	AuthSASLExternal
	AuthRoot
	AuthAnonymous
	AuthUnauthenticated
)

// Connection is one live client socket and its authentication/framing
// state. All mutable fields are guarded by mu except the
// atomic counters and refcount.
type Connection struct {
	// identity
	ID         int64
	fd         int
	slot       int // index into Table.slots, set by Table.Acquire
	Remote     net.Addr
	Local      net.Addr

	mu    sync.Mutex
	flags Flag

	// framing state
	Stack  *iolayer.Stack
	Framer *ber.Framer // lazily built by the worker pool's ReadOperation seam

	// GettingBER marks that a worker currently owns this socket for
	// reads; at most one worker reads from a connection at a time.
	// Guarded by mu: a worker sets it when it takes the connection off
	// the queue and clears it before handing the connection back.
	GettingBER bool

	Pending iolayer.PendingChange

	// auth state
	AuthDN           string
	AuthType         AuthType
	IsRoot           bool
	ssfSSL           int32
	ssfSASL          int32
	ssfLocal         int32
	SASLContext      any // opaque SASL server context
	ExternalDN       string
	NeedPasswordChg  bool

	// operation set
	Ops          *opNode // intrusive singly-linked list head
	OpsInitiated atomic.Int64
	OpsCompleted atomic.Int64
	refcount     atomic.Int32
	IdleSince    atomic.Int64 // unix nanos
	StartedAt    time.Time

	// ReplicationSession, while set, keeps the connection owned by its
	// worker instead of returning to the queue between requests, so
	// replication updates on one connection are applied strictly in
	// order. Set and cleared (under mu) by the replication plugin that
	// owns the session protocol; this module only consults it.
	ReplicationSession bool

	closers mapCloser.Closer

	next, prev *Connection // active-list intrusive links, guarded by Table.mu
}

type opNode struct {
	msgID int64
	next  *opNode
}

// NewConnection wraps an accepted socket. The caller installs the bottom
// (plain or TLS) layer before handing the connection to the listener.
func NewConnection(id int64, fd int, remote, local net.Addr, bottom iolayer.Layer) *Connection {
	return &Connection{
		ID:        id,
		fd:        fd,
		Remote:    remote,
		Local:     local,
		Stack:     iolayer.NewStack(bottom),
		StartedAt: time.Now(),
		closers:   mapCloser.New(context.Background()),
	}
}

// Lock/Unlock expose the per-connection mutex to callers (workpool,
// bindproc, dispatch) that need to mutate several fields atomically with
// respect to each other; a connection is mutated only while its
// per-connection lock is held.
func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

// FD returns the raw socket descriptor, used by the dispatcher to
// toggle TCP_CORK around a search response batch.
func (c *Connection) FD() int { return c.fd }

func (c *Connection) Flags() Flag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

func (c *Connection) SetFlag(f Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags |= f
}

func (c *Connection) ClearFlag(f Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags &^= f
}

// SSF accessors. The caller must hold the connection lock when mutating
// more than one of the three components atomically with respect to a
// reader; plain reads/writes of a single component use atomic stores so
// EffectiveSSF (called from the dispatcher's hot path) never needs the
// connection lock.
func (c *Connection) SetSSFSSL(v int32)   { atomic.StoreInt32(&c.ssfSSL, v) }
func (c *Connection) SetSSFSASL(v int32)  { atomic.StoreInt32(&c.ssfSASL, v) }
func (c *Connection) SetSSFLocal(v int32) { atomic.StoreInt32(&c.ssfLocal, v) }

// EffectiveSSF returns max(ssf_ssl, ssf_sasl, ssf_local), the value
// observed by ACL checks and the dispatcher's SSF floor check.
func (c *Connection) EffectiveSSF() int32 {
	ssl := atomic.LoadInt32(&c.ssfSSL)
	sasl := atomic.LoadInt32(&c.ssfSASL)
	local := atomic.LoadInt32(&c.ssfLocal)
	m := ssl
	if sasl > m {
		m = sasl
	}
	if local > m {
		m = local
	}
	return m
}

// Acquire/Release implement the refcount discipline: a slot is reusable
// only when nothing holds it. Acquire fails on a closing connection.
func (c *Connection) Acquire() bool {
	c.mu.Lock()
	closing := c.flags.Has(FlagClosing)
	c.mu.Unlock()
	if closing {
		return false
	}
	c.refcount.Add(1)
	return true
}

func (c *Connection) Release() int32 {
	return c.refcount.Add(-1)
}

func (c *Connection) Refcount() int32 { return c.refcount.Load() }

// Closers exposes the ancillary-resource teardown registry (temp buffers,
// SASL context finalizers) released alongside the connection. The I/O
// layer stack itself is torn down separately, in strict reverse install
// order, by walking Stack.Pop; mapCloser.Closer.Close does not guarantee ordering
// across its registered closers, so it is used only for resources whose
// release order does not matter.
func (c *Connection) Closers() mapCloser.Closer { return c.closers }

// Reset clears the flags, the framer, GettingBER, the pending layer
// change, the auth state, the op list, ReplicationSession and the three
// SSF components, and zeroes the refcount. It does not reset the
// identity fields (ID, fd, slot, Remote, Local), the I/O Stack, the
// SASLContext, the OpsInitiated/OpsCompleted counters, IdleSince,
// StartedAt or the closers registry.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags = 0
	c.Framer = nil
	c.GettingBER = false
	c.Pending = iolayer.PendingChange{}
	c.AuthDN = ""
	c.AuthType = AuthNone
	c.IsRoot = false
	c.ExternalDN = ""
	c.NeedPasswordChg = false
	c.Ops = nil
	c.ReplicationSession = false
	atomic.StoreInt32(&c.ssfSSL, 0)
	atomic.StoreInt32(&c.ssfSASL, 0)
	atomic.StoreInt32(&c.ssfLocal, 0)
	c.refcount.Store(0)
}

// LinkOp inserts msgID at the head of the connection's op list. Callers
// must hold the connection lock.
func (c *Connection) LinkOp(msgID int64) {
	c.Ops = &opNode{msgID: msgID, next: c.Ops}
}

// UnlinkOp removes msgID from the op list. Callers must hold the
// connection lock.
func (c *Connection) UnlinkOp(msgID int64) {
	var prev *opNode
	for n := c.Ops; n != nil; n = n.next {
		if n.msgID == msgID {
			if prev == nil {
				c.Ops = n.next
			} else {
				prev.next = n.next
			}
			return
		}
		prev = n
	}
}

// OpCount returns the number of operations currently linked on the
// connection's op list. Callers must hold the connection lock. Used by
// StartTLS, which requires all other outstanding ops to drain first
// (the caller's own in-flight op is linked before dispatch runs, so a
// count greater than one means another operation (typically a
// persistent search) is still outstanding).
func (c *Connection) OpCount() int {
	n := 0
	for o := c.Ops; o != nil; o = o.next {
		n++
	}
	return n
}
