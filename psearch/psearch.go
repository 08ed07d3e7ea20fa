// Package psearch implements the persistent-search subscription
// registry: a client attaches a PersistentSearch request control to a
// SEARCH, the dispatcher hands the subscription off to this registry
// instead of completing the search immediately, and every subsequent
// add/modify/delete/modrdn that yields a post-op entry is fanned out to
// matching subscriptions by a dedicated per-subscription goroutine. The
// change-servicing goroutine appends to a FIFO; the subscriber
// goroutine drains it.
package psearch

import (
	"context"
	"sync"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"
	"golang.org/x/sync/errgroup"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/plugin"
)

// ChangeType mirrors the EntryChangeNotification changeType bitmask a
// PersistentSearch control's changeTypes field also uses.
type ChangeType = ber.ChangeType

const (
	ChangeAdd    = ber.ChangeAdd
	ChangeDelete = ber.ChangeDelete
	ChangeModify = ber.ChangeModify
	ChangeModDN  = ber.ChangeModDN
)

// Change is one post-op entry the change-servicing path reports, matched
// against subscriptions by type/scope/filter.
type Change struct {
	Type         ChangeType
	Entry        plugin.Entry
	PreviousDN   string // set only for ChangeModDN
	ChangeNumber int64
	HasChangeNum bool
}

// Request is the decoded PersistentSearch control value:
// SEQUENCE { changeTypes INTEGER, changesOnly BOOL, returnECs BOOL }.
type Request struct {
	ChangeTypes int
	ChangesOnly bool
	ReturnECs   bool
}

// DecodeRequest parses the PersistentSearch control value packet.
func DecodeRequest(raw []byte) (Request, bool) {
	pkt := goberasn1.DecodePacket(raw)
	if pkt == nil || len(pkt.Children) < 3 {
		return Request{}, false
	}
	ct, ok1 := pkt.Children[0].Value.(int64)
	only, ok2 := pkt.Children[1].Value.(bool)
	ecs, ok3 := pkt.Children[2].Value.(bool)
	if !ok1 || !ok2 || !ok3 {
		return Request{}, false
	}
	return Request{ChangeTypes: int(ct), ChangesOnly: only, ReturnECs: ecs}, true
}

// Matcher decides whether an entry falls within a subscription's scope
// and filter; the registry never interprets the filter string itself
// (the filter engine lives in the backends).
type Matcher func(baseDN string, scope int, entry plugin.Entry) bool

// Subscription is one persistent search, holding its connection's
// refcount up for as long as it is registered: it remains attached to
// its connection until the client abandons or the server shuts down.
type Subscription struct {
	ID      int64
	Conn    *conntable.Connection
	MsgID   int64
	AuthDN  string
	BaseDN  string
	Scope   int
	Match   Matcher
	Request Request

	mu     sync.Mutex
	queue  []queued // bounded FIFO; push drops the oldest entry past overflowCap
	signal chan struct{}
	done   chan struct{}

	// emitHook, when set, is called instead of writing to Conn.Stack;
	// the same function-field testability seam workpool.Pool uses for
	// ReadOperation/Teardown, letting tests observe an emitted change
	// without a live socket underneath the connection.
	emitHook func(Change)
}

type queued struct {
	change Change
}

// overflowCap bounds the spillover ring so a permanently slow or stuck
// consumer cannot grow a subscription's backlog without limit; entries
// beyond this are dropped oldest-first, same as a fixed-size CV-guarded
// FIFO degrading under sustained overrun.
const overflowCap = 4096

func newSubscription(id int64, conn *conntable.Connection, msgID int64, authDN, baseDN string, scope int, match Matcher, req Request) *Subscription {
	return &Subscription{
		ID:      id,
		Conn:    conn,
		MsgID:   msgID,
		AuthDN:  authDN,
		BaseDN:  baseDN,
		Scope:   scope,
		Match:   match,
		Request: req,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push appends a change to the subscription's FIFO, signalling the
// subscriber goroutine. It never blocks the change-servicing caller:
// once overflowCap queued changes exist, the oldest is dropped.
func (s *Subscription) push(c Change) {
	s.mu.Lock()
	if len(s.queue) >= overflowCap {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, queued{change: c})
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) drain() []queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

// Registry holds every live subscription, guarded by a read-mostly lock
// since Notify (the change-servicing path) is far hotter than
// Subscribe/Unsubscribe.
type Registry struct {
	ACL plugin.ACL

	mu      sync.RWMutex
	subs    map[int64]*Subscription
	nextID  int64
	group   *errgroup.Group
	groupCtx context.Context
}

func New(ctx context.Context) *Registry {
	g, gctx := errgroup.WithContext(ctx)
	return &Registry{
		subs:     make(map[int64]*Subscription),
		group:    g,
		groupCtx: gctx,
	}
}

// Subscribe registers a new persistent search and starts its subscriber
// goroutine. The caller must have already acquired a reference on conn.
func (r *Registry) Subscribe(conn *conntable.Connection, msgID int64, authDN, baseDN string, scope int, match Matcher, req Request) *Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	sub := newSubscription(id, conn, msgID, authDN, baseDN, scope, match, req)
	r.subs[id] = sub
	r.mu.Unlock()

	r.group.Go(func() error {
		sub.run(r.groupCtx, r)
		return nil
	})
	return sub
}

// Unsubscribe removes a subscription (client ABANDON or connection
// teardown) and releases the connection reference it held.
func (r *Registry) Unsubscribe(id int64) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	sub.Conn.Release()
}

// UnsubscribeByConnMsgID finds the subscription owned by conn with the
// given original SEARCH msgID and unsubscribes it, the client-abandon
// teardown path, where an ABANDON carries the
// target message ID rather than the subscription ID the registry
// otherwise keys on. Reports whether a matching subscription was found.
func (r *Registry) UnsubscribeByConnMsgID(conn *conntable.Connection, msgID int64) bool {
	r.mu.RLock()
	var id int64
	var found bool
	for subID, sub := range r.subs {
		if sub.Conn == conn && sub.MsgID == msgID {
			id, found = subID, true
			break
		}
	}
	r.mu.RUnlock()

	if !found {
		return false
	}
	r.Unsubscribe(id)
	return true
}

// UnsubscribeAllForConn removes every subscription owned by conn, used
// on connection teardown.
func (r *Registry) UnsubscribeAllForConn(conn *conntable.Connection) {
	r.mu.RLock()
	var ids []int64
	for subID, sub := range r.subs {
		if sub.Conn == conn {
			ids = append(ids, subID)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unsubscribe(id)
	}
}

// Notify fans a post-op change out to every matching subscription,
// iterating the subscription list under the reader lock.
func (r *Registry) Notify(c Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		if sub.Request.ChangeTypes != 0 && sub.Request.ChangeTypes&int(c.Type) == 0 {
			continue
		}
		if sub.Match != nil && !sub.Match(sub.BaseDN, sub.Scope, c.Entry) {
			continue
		}
		sub.push(c)
	}
}

// Wait blocks until every subscriber goroutine has exited, used by the
// composition root during graceful shutdown.
func (r *Registry) Wait() error { return r.group.Wait() }

// run is the subscriber thread: wait on the signal channel, drain the
// FIFO, re-check ACLs per entry (the change-servicing goroutine does
// not run under the subscriber's identity), and emit.
func (s *Subscription) run(ctx context.Context, r *Registry) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.signal:
		}

		for _, q := range s.drain() {
			if r.ACL != nil && !r.ACL.Allowed(ctx, s.AuthDN, q.change.Entry.DN, "search") {
				continue
			}
			s.emit(q.change)
		}
	}
}

// emit encodes and writes one SearchResultEntry, attaching an
// EntryChangeNotification control when the client asked for one
// (returnECs).
func (s *Subscription) emit(c Change) {
	if s.emitHook != nil {
		s.emitHook(c)
		return
	}
	pkt := ber.EncodeSearchResultEntry(s.MsgID, c.Entry.DN, c.Entry.Attributes)
	if s.Request.ReturnECs {
		value := ber.EncodeEntryChangeNotification(c.Type, c.PreviousDN, c.ChangeNumber, c.HasChangeNum)
		ber.AppendControls(pkt, ber.Control{OID: ber.EntryChangeNotificationOID, Value: value})
	}
	if s.Conn.Stack == nil {
		return
	}
	_, _ = s.Conn.Stack.Write(pkt.Bytes())
}
