// Package workpool implements the global work queue and worker pool:
// a mutex+condition-variable FIFO rather than a channel,
// because the turbo-mode "stay and keep reading" path needs a worker to
// hold exclusive ownership of one connection across many iterations
// without re-entering a channel receive loop each time, a shape a plain
// `for job := range ch` cannot express cleanly alongside the rank-based
// enter/exit policy below.
package workpool

import (
	"context"
	"sync"
	"time"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/stats"
)

// TurboCheckInterval is how often a worker re-samples its connection's
// activity rank to decide on turbo mode.
const TurboCheckInterval = 5 * time.Second

// Hysteresis and TurboPercentile tune the rank-based turbo enter/exit
// policy.
const (
	Hysteresis      = 2
	TurboPercentile = 20
)

// Job is one work item: a connection newly handed off by the listener,
// or returned to the queue after a non-turbo iteration.
type Job struct {
	Conn *conntable.Connection
}

// Pool is the FIFO-backed worker pool.
type Pool struct {
	mu       sync.Mutex
	cv       *sync.Cond
	queue    []Job
	shutdown bool

	workers  int
	stats    *stats.Registry
	dispatch func(conn *conntable.Connection, pkt []byte, msgID int64)
	onIdle   func(conn *conntable.Connection) // return conn to listener poll set

	rank RankSource

	// ReadOperation, ApplyPendingLayerChange and Teardown are the seams
	// the composition root fills with the real ber.Framer/iolayer.Stack
	// wiring; this package's control flow (the turbo loop itself) stays
	// the single source of truth for the worker loop, while
	// tests can substitute fakes to drive it without a real socket.
	ReadOperation           func(conn *conntable.Connection) (msgID int64, tag int, body []byte, residual bool, status ber.Status, err error)
	ApplyPendingLayerChange func(conn *conntable.Connection)
	Teardown                func(conn *conntable.Connection)
}

// RankSource reports a connection's activity rank among active
// connections and the count of active workers, inputs to the turbo
// enter/exit formula.
type RankSource interface {
	Rank(conn *conntable.Connection) (rank, activeWorkers int)
}

// New builds a pool with n workers. dispatch processes one decoded PDU;
// onIdle returns a connection to the listener's poll set when a worker
// gives up exclusive ownership. Callers must set ReadOperation,
// ApplyPendingLayerChange and Teardown on the returned Pool before
// calling Start.
func New(n int, st *stats.Registry, rank RankSource, dispatch func(conn *conntable.Connection, pkt []byte, msgID int64), onIdle func(conn *conntable.Connection)) *Pool {
	p := &Pool{
		workers:  n,
		stats:    st,
		dispatch: dispatch,
		onIdle:   onIdle,
		rank:     rank,
		ReadOperation: func(conn *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
			return 0, 0, nil, false, ber.StatusDone, nil
		},
		ApplyPendingLayerChange: func(conn *conntable.Connection) {},
		Teardown:                func(conn *conntable.Connection) {},
	}
	p.cv = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.runWorker(ctx)
	}
}

// Submit enqueues a job and wakes one worker.
func (p *Pool) Submit(j Job) {
	p.mu.Lock()
	p.queue = append(p.queue, j)
	p.mu.Unlock()
	p.cv.Signal()
}

// Shutdown marks the pool as stopped and wakes every worker so each
// observes it at the next loop boundary.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.cv.Broadcast()
}

func (p *Pool) dequeue() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.shutdown {
		p.cv.Wait()
	}
	if p.shutdown && len(p.queue) == 0 {
		return Job{}, false
	}
	j := p.queue[0]
	p.queue = p.queue[1:]
	return j, true
}

func (p *Pool) queueHasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

func (p *Pool) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *Pool) runWorker(ctx context.Context) {
	lastCheck := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := p.dequeue()
		if !ok {
			return
		}
		if !p.serve(ctx, job.Conn, &lastCheck) {
			return
		}
	}
}

// serve owns one connection's socket for reads until the connection is
// returned to the queue or torn down. The GettingBER flag marks that
// ownership: at most one worker at a time may read from a connection, so
// a job arriving for a connection another worker already holds is
// dropped rather than read concurrently. Returns false when the worker
// should exit (shutdown or context cancellation).
func (p *Pool) serve(ctx context.Context, conn *conntable.Connection, lastCheck *time.Time) bool {
	conn.Lock()
	if conn.GettingBER {
		conn.Unlock()
		return true
	}
	conn.GettingBER = true
	conn.Unlock()

	releaseRead := func() {
		conn.Lock()
		conn.GettingBER = false
		conn.Unlock()
	}

	p.ApplyPendingLayerChange(conn)

	turbo := false
	for {
		if p.isShutdown() || ctx.Err() != nil {
			releaseRead()
			return false
		}

		msgID, tag, body, residual, status, err := p.ReadOperation(conn)
		switch status {
		case ber.StatusOk:
			p.stats.OpsInitiated.Add(1)
			conn.OpsInitiated.Add(1)
			p.dispatch(conn, body, msgID)
			p.stats.OpsCompleted.Add(1)
			conn.OpsCompleted.Add(1)

			if conn.Flags().Has(conntable.FlagClosing) {
				releaseRead()
				p.Teardown(conn)
				return true
			}

			if time.Since(*lastCheck) >= TurboCheckInterval {
				turbo = p.evaluateTurbo(conn, turbo)
				*lastCheck = time.Now()
			}

			if tagIsUnbind(tag) || p.queueHasPending() || residual {
				turbo = false
			}

			if turbo || p.replicating(conn) {
				continue
			}
			releaseRead()
			p.onIdle(conn)
			return true

		case ber.StatusWouldBlock, ber.StatusTimeout:
			if turbo || p.replicating(conn) {
				continue
			}
			releaseRead()
			p.onIdle(conn)
			return true

		case ber.StatusDone, ber.StatusShutdown:
			_ = err
			releaseRead()
			p.Teardown(conn)
			return true

		default:
			releaseRead()
			return true
		}
	}
}

// replicating reports whether the connection is inside a replication
// session; while it is, the worker keeps exclusive read ownership
// instead of returning the connection to the queue, so replication
// updates on one connection are never interleaved across workers.
func (p *Pool) replicating(conn *conntable.Connection) bool {
	conn.Lock()
	defer conn.Unlock()
	return conn.ReplicationSession
}

// evaluateTurbo applies the rank-based turbo enter/exit formula: enter
// when the connection ranks busier than the percentile threshold by more
// than the hysteresis margin, exit when it falls below by the same
// margin.
func (p *Pool) evaluateTurbo(conn *conntable.Connection, current bool) bool {
	if p.rank == nil {
		return current
	}
	rank, activeWorkers := p.rank.Rank(conn)
	threshold := (activeWorkers * TurboPercentile) / 100

	if !current {
		return rank+Hysteresis < threshold
	}
	return rank-Hysteresis < threshold
}

func tagIsUnbind(tag int) bool { return tag == 2 /* go-ldap ApplicationUnbindRequest */ }
