package conntable

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// Table is the fixed-capacity connection slot table: an array of
// slots, a bitset tracking which are in use (so a free slot can be found
// without scanning pointer state), a table-wide lock serializing slot
// allocation and active-list splicing, and a dummy head threading the
// "active" doubly-linked list the listener polls over.
type Table struct {
	mu    sync.RWMutex
	slots []*Connection
	used  *bitset.BitSet
	head  Connection // dummy head; head.next/head.prev thread the active list

	nextID atomic.Int64
	count  atomic.Int64
}

// New builds a table with capacity n (nsslapd-maxdescriptors-derived).
func New(n int) *Table {
	t := &Table{
		slots: make([]*Connection, n),
		used:  bitset.New(uint(n)),
	}
	t.head.next = &t.head
	t.head.prev = &t.head
	return t
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int { return len(t.slots) }

// Len returns the number of occupied slots.
func (t *Table) Len() int { return int(t.count.Load()) }

// Acquire finds a free slot for fd (probing fd mod N then linearly,
// wrapping once), builds the connection with a newly assigned id,
// installs it there and returns it. It returns ok=false if the table is
// full.
func (t *Table) Acquire(fd int, build func(id int64) *Connection) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint(len(t.slots))
	if n == 0 {
		return nil, false
	}

	start := uint(fd) % n
	idx, found := t.used.NextClear(start)
	if !found || idx >= n {
		// wrap: scan from 0 up to start
		idx, found = t.used.NextClear(0)
		if !found || idx >= start {
			return nil, false
		}
	}

	id := t.nextID.Add(1)
	conn := build(id)
	conn.slot = int(idx)
	t.slots[idx] = conn
	t.used.Set(idx)
	t.count.Add(1)
	return conn, true
}

// ReleaseConn frees conn's own slot, looking up its index directly
// rather than requiring the caller to track it separately.
func (t *Table) ReleaseConn(conn *Connection) {
	t.Release(conn.slot)
}

// Release frees the slot at the given index, removing it from the active
// list first if still linked. The connection must satisfy
// `sd==INVALID && refcount==0 && !CLOSING`, the definition of
// "free"; callers are expected to have already drained refcount to zero.
func (t *Table) Release(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || idx >= len(t.slots) {
		return
	}
	if conn := t.slots[idx]; conn != nil && conn.next != nil {
		unsplice(conn)
	}
	t.slots[idx] = nil
	t.used.Clear(uint(idx))
	t.count.Add(-1)
}

// ActivateOnListener splices conn into the active list head and bumps its
// refcount by one, representing the listener's logical reference while
// the connection sits on the poll set.
func (t *Table) ActivateOnListener(conn *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn.refcount.Add(1)
	spliceAfter(&t.head, conn)
}

// DeactivateFromListener splices conn out of the active list (handing it
// to a worker for exclusive reads, or closing it) and releases the
// listener's reference.
func (t *Table) DeactivateFromListener(conn *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn.next != nil {
		unsplice(conn)
	}
	conn.Release()
}

// Iterate walks the active list under the table's read lock, invoking
// visitor with each connection's own lock held, so callers (monitor
// entries, shutdown drain) see a self-consistent snapshot per connection.
func (t *Table) Iterate(visitor func(*Connection)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for c := t.head.next; c != &t.head; c = c.next {
		c.Lock()
		visitor(c)
		c.Unlock()
	}
}

func spliceAfter(head, conn *Connection) {
	conn.next = head.next
	conn.prev = head
	head.next.prev = conn
	head.next = conn
}

func unsplice(conn *Connection) {
	conn.prev.next = conn.next
	conn.next.prev = conn.prev
	conn.next = nil
	conn.prev = nil
}
