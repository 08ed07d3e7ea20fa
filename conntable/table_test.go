package conntable_test

import (
	"testing"

	"github.com/silverleaf/ldapd/conntable"
)

func TestEffectiveSSFIsMaxOfComponents(t *testing.T) {
	c := conntable.NewConnection(1, 7, nil, nil, nil)

	if got := c.EffectiveSSF(); got != 0 {
		t.Fatalf("EffectiveSSF = %d, want 0", got)
	}

	c.SetSSFSSL(128)
	c.SetSSFSASL(56)
	c.SetSSFLocal(conntable.LocalChannelSSF)
	if got := c.EffectiveSSF(); got != 128 {
		t.Fatalf("EffectiveSSF = %d, want 128", got)
	}

	c.SetSSFSSL(0)
	if got := c.EffectiveSSF(); got != conntable.LocalChannelSSF {
		t.Fatalf("EffectiveSSF = %d, want %d", got, conntable.LocalChannelSSF)
	}
}

func TestAcquireReleaseRoundTripsRefcount(t *testing.T) {
	c := conntable.NewConnection(1, 7, nil, nil, nil)

	before := c.Refcount()
	if !c.Acquire() {
		t.Fatal("Acquire on a live connection failed")
	}
	c.Release()
	if got := c.Refcount(); got != before {
		t.Fatalf("refcount = %d after acquire/release, want %d", got, before)
	}
}

func TestAcquireFailsOnClosingConnection(t *testing.T) {
	c := conntable.NewConnection(1, 7, nil, nil, nil)
	c.SetFlag(conntable.FlagClosing)

	if c.Acquire() {
		t.Fatal("Acquire succeeded on a closing connection")
	}
	if got := c.Refcount(); got != 0 {
		t.Fatalf("refcount = %d after failed acquire, want 0", got)
	}
}

func TestTableProbesFromFDModN(t *testing.T) {
	tbl := conntable.New(8)

	c1, ok := tbl.Acquire(3, func(id int64) *conntable.Connection {
		return conntable.NewConnection(id, 3, nil, nil, nil)
	})
	if !ok {
		t.Fatal("first Acquire failed")
	}
	// same fd mod N: must probe past the occupied slot, not fail
	c2, ok := tbl.Acquire(11, func(id int64) *conntable.Connection {
		return conntable.NewConnection(id, 11, nil, nil, nil)
	})
	if !ok {
		t.Fatal("second Acquire failed")
	}
	if c1.ID == c2.ID {
		t.Fatal("connection ids must be distinct")
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tbl.Len())
	}
}

func TestTableFullThenReusableAfterRelease(t *testing.T) {
	tbl := conntable.New(2)
	build := func(fd int) func(int64) *conntable.Connection {
		return func(id int64) *conntable.Connection {
			return conntable.NewConnection(id, fd, nil, nil, nil)
		}
	}

	a, ok := tbl.Acquire(0, build(0))
	if !ok {
		t.Fatal("Acquire a failed")
	}
	if _, ok = tbl.Acquire(1, build(1)); !ok {
		t.Fatal("Acquire b failed")
	}
	if _, ok = tbl.Acquire(2, build(2)); ok {
		t.Fatal("Acquire on a full table succeeded")
	}

	tbl.ReleaseConn(a)
	if _, ok = tbl.Acquire(2, build(2)); !ok {
		t.Fatal("Acquire after release failed")
	}
}

func TestIterateVisitsActiveConnections(t *testing.T) {
	tbl := conntable.New(4)
	c, ok := tbl.Acquire(0, func(id int64) *conntable.Connection {
		return conntable.NewConnection(id, 0, nil, nil, nil)
	})
	if !ok {
		t.Fatal("Acquire failed")
	}
	tbl.ActivateOnListener(c)

	var seen []int64
	tbl.Iterate(func(conn *conntable.Connection) { seen = append(seen, conn.ID) })
	if len(seen) != 1 || seen[0] != c.ID {
		t.Fatalf("Iterate saw %v, want [%d]", seen, c.ID)
	}

	tbl.DeactivateFromListener(c)
	seen = nil
	tbl.Iterate(func(conn *conntable.Connection) { seen = append(seen, conn.ID) })
	if len(seen) != 0 {
		t.Fatalf("Iterate after deactivate saw %v, want none", seen)
	}
}

func TestActivateHoldsOneReference(t *testing.T) {
	tbl := conntable.New(4)
	c, _ := tbl.Acquire(0, func(id int64) *conntable.Connection {
		return conntable.NewConnection(id, 0, nil, nil, nil)
	})

	tbl.ActivateOnListener(c)
	if got := c.Refcount(); got != 1 {
		t.Fatalf("refcount = %d while active, want 1", got)
	}
	tbl.DeactivateFromListener(c)
	if got := c.Refcount(); got != 0 {
		t.Fatalf("refcount = %d after deactivate, want 0", got)
	}
}
