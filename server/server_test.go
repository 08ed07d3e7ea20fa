package server

import (
	"net"
	"testing"

	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/iolayer"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/psearch"
)

func newTestConn(t *testing.T, id int64) *conntable.Connection {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return conntable.NewConnection(id, 0, srv.RemoteAddr(), srv.LocalAddr(), iolayer.NewPlain(srv))
}

func TestNew_NullMappingByDefault(t *testing.T) {
	srv, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if be, ok := srv.mapping.Resolve(""); !ok || be == nil {
		t.Fatalf("expected root DSE to resolve to the front-end DSE backend, got %v, %v", be, ok)
	}
	if be, ok := srv.mapping.Resolve("cn=monitor"); !ok || be == nil {
		t.Fatalf("expected cn=monitor to resolve to the front-end DSE backend, got %v, %v", be, ok)
	}
	if _, ok := srv.mapping.Resolve("ou=people,dc=example,dc=com"); ok {
		t.Fatalf("expected an ordinary DN to miss with no backend injected")
	}
}

type fakeMapping struct{ contexts []string }

func (f fakeMapping) Resolve(dn string) (*plugin.Backend, bool) {
	if dn == "ou=people,dc=example,dc=com" {
		return &plugin.Backend{}, true
	}
	return nil, false
}
func (f fakeMapping) NamingContexts() []string { return f.contexts }

func TestRootAwareMapping_FallsThroughToInjectedBackend(t *testing.T) {
	srv, err := New(Config{Mapping: fakeMapping{contexts: []string{"dc=example,dc=com"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if be, ok := srv.mapping.Resolve("ou=people,dc=example,dc=com"); !ok || be == nil {
		t.Fatalf("expected injected mapping to resolve ordinary DN, got %v, %v", be, ok)
	}
	if be, ok := srv.mapping.Resolve("cn=monitor"); !ok || be == nil {
		t.Fatalf("expected cn=monitor to still resolve to the front-end DSE backend")
	}
	if srv.mapping.NamingContexts()[0] != "dc=example,dc=com" {
		t.Fatalf("expected NamingContexts to delegate to the injected mapping")
	}
}

func TestRankSource_OrdersByOpsInitiated(t *testing.T) {
	table := conntable.New(4)
	busy, _ := table.Acquire(1, func(id int64) *conntable.Connection {
		return newTestConn(t, id)
	})
	idle, _ := table.Acquire(2, func(id int64) *conntable.Connection {
		return newTestConn(t, id)
	})
	table.ActivateOnListener(busy)
	table.ActivateOnListener(idle)
	busy.OpsInitiated.Store(100)
	idle.OpsInitiated.Store(1)

	rs := &rankSource{table: table}
	busyRank, total := rs.Rank(busy)
	idleRank, _ := rs.Rank(idle)

	if total != 2 {
		t.Fatalf("expected 2 active connections, got %d", total)
	}
	if busyRank >= idleRank {
		t.Fatalf("expected the busier connection to have a lower rank number: busy=%d idle=%d", busyRank, idleRank)
	}
}

func TestTeardown_ReleasesSlotAndUnsubscribes(t *testing.T) {
	srv, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn, ok := srv.table.Acquire(1, func(id int64) *conntable.Connection {
		return newTestConn(t, id)
	})
	if !ok {
		t.Fatalf("Acquire failed")
	}
	srv.table.ActivateOnListener(conn)
	conn.Acquire()
	srv.psearch.Subscribe(conn, 7, "cn=root", "", 2, func(string, int, plugin.Entry) bool { return true }, psearch.Request{})

	srv.teardown(conn)

	if srv.table.Len() != 0 {
		t.Fatalf("expected the connection's slot to be freed, table len=%d", srv.table.Len())
	}
	if conn.Flags() != 0 {
		t.Fatalf("expected Reset to clear flags, got %v", conn.Flags())
	}
}

func TestApplyPendingLayerChange_NoOpWithoutPending(t *testing.T) {
	srv, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := newTestConn(t, 1)
	srv.applyPendingLayerChange(conn) // must not panic with a zero PendingChange
}
