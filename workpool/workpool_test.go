package workpool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/stats"
	"github.com/silverleaf/ldapd/workpool"
)

// script feeds a worker a fixed sequence of ReadOperation outcomes.
type script struct {
	mu    sync.Mutex
	steps []ber.Status
}

func (s *script) next() ber.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return ber.StatusDone
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st
}

func TestPoolDispatchesThenIdles(t *testing.T) {
	st := stats.New()
	sc := &script{steps: []ber.Status{ber.StatusOk, ber.StatusWouldBlock}}

	dispatched := make(chan int64, 1)
	idled := make(chan struct{}, 1)

	p := workpool.New(1, st, nil,
		func(_ *conntable.Connection, _ []byte, msgID int64) { dispatched <- msgID },
		func(_ *conntable.Connection) { idled <- struct{}{} },
	)
	p.ReadOperation = func(_ *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
		return 42, 3, nil, false, sc.next(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown()

	conn := conntable.NewConnection(1, 0, nil, nil, nil)
	p.Submit(workpool.Job{Conn: conn})

	select {
	case id := <-dispatched:
		if id != 42 {
			t.Fatalf("dispatched msgID = %d, want 42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never ran")
	}
	select {
	case <-idled:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never returned to the idle path")
	}
	if got := st.OpsCompleted.Load(); got != 1 {
		t.Fatalf("OpsCompleted = %d, want 1", got)
	}
}

func TestPoolTearsDownOnDone(t *testing.T) {
	st := stats.New()
	torndown := make(chan struct{}, 1)

	p := workpool.New(1, st, nil,
		func(_ *conntable.Connection, _ []byte, _ int64) {},
		func(_ *conntable.Connection) {},
	)
	p.Teardown = func(_ *conntable.Connection) { torndown <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown()

	p.Submit(workpool.Job{Conn: conntable.NewConnection(1, 0, nil, nil, nil)})

	select {
	case <-torndown:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never ran for a Done connection")
	}
}

func TestPoolSurvivesClosingConnection(t *testing.T) {
	st := stats.New()
	sc := &script{steps: []ber.Status{ber.StatusOk}}
	torndown := make(chan struct{}, 2)

	p := workpool.New(1, st, nil,
		func(conn *conntable.Connection, _ []byte, _ int64) { conn.SetFlag(conntable.FlagClosing) },
		func(_ *conntable.Connection) {},
	)
	p.ReadOperation = func(_ *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
		return 1, 2, nil, false, sc.next(), nil
	}
	p.Teardown = func(_ *conntable.Connection) { torndown <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown()

	// first connection unbinds; the same (sole) worker must still pick up
	// the second job afterwards
	p.Submit(workpool.Job{Conn: conntable.NewConnection(1, 0, nil, nil, nil)})
	select {
	case <-torndown:
	case <-time.After(2 * time.Second):
		t.Fatal("first teardown never ran")
	}

	p.Submit(workpool.Job{Conn: conntable.NewConnection(2, 0, nil, nil, nil)})
	select {
	case <-torndown:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the first connection's close")
	}
}

func TestServeBumpsPerConnectionCounters(t *testing.T) {
	st := stats.New()
	sc := &script{steps: []ber.Status{ber.StatusOk, ber.StatusOk, ber.StatusWouldBlock}}
	idled := make(chan *conntable.Connection, 1)

	p := workpool.New(1, st, nil,
		func(_ *conntable.Connection, _ []byte, _ int64) {},
		func(c *conntable.Connection) { idled <- c },
	)
	p.ReadOperation = func(_ *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
		return 1, 3, nil, true, sc.next(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown()

	p.Submit(workpool.Job{Conn: conntable.NewConnection(1, 0, nil, nil, nil)})

	select {
	case c := <-idled:
		if got := c.OpsInitiated.Load(); got != 1 {
			t.Fatalf("conn OpsInitiated = %d, want 1", got)
		}
		if got := c.OpsCompleted.Load(); got != 1 {
			t.Fatalf("conn OpsCompleted = %d, want 1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection never idled")
	}
}

func TestServeDropsJobWhileAnotherWorkerReads(t *testing.T) {
	st := stats.New()
	dispatched := make(chan struct{}, 1)

	p := workpool.New(1, st, nil,
		func(_ *conntable.Connection, _ []byte, _ int64) { dispatched <- struct{}{} },
		func(_ *conntable.Connection) {},
	)
	p.ReadOperation = func(_ *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
		return 1, 3, nil, false, ber.StatusOk, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown()

	conn := conntable.NewConnection(1, 0, nil, nil, nil)
	conn.Lock()
	conn.GettingBER = true // another worker owns the socket
	conn.Unlock()

	p.Submit(workpool.Job{Conn: conn})

	select {
	case <-dispatched:
		t.Fatal("worker read from a connection another worker owns")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServeHoldsConnectionDuringReplicationSession(t *testing.T) {
	st := stats.New()
	sc := &script{steps: []ber.Status{ber.StatusOk, ber.StatusWouldBlock, ber.StatusOk, ber.StatusWouldBlock}}
	idled := make(chan struct{}, 1)
	var calls int

	conn := conntable.NewConnection(1, 0, nil, nil, nil)
	conn.Lock()
	conn.ReplicationSession = true
	conn.Unlock()

	p := workpool.New(1, st, nil,
		func(c *conntable.Connection, _ []byte, _ int64) {
			calls++
			if calls == 2 {
				// session over: the worker may hand the connection back
				c.Lock()
				c.ReplicationSession = false
				c.Unlock()
			}
		},
		func(_ *conntable.Connection) { idled <- struct{}{} },
	)
	p.ReadOperation = func(_ *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
		return 1, 3, nil, false, sc.next(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown()

	p.Submit(workpool.Job{Conn: conn})

	select {
	case <-idled:
		// the WouldBlock after the first Ok must not have idled the
		// connection while the session was still open
		if calls != 2 {
			t.Fatalf("connection idled after %d dispatches, want 2", calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection never idled after the replication session ended")
	}
}
