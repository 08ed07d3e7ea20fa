// Package server is the composition root: it wires the connection table,
// listener, worker pool, dispatcher, bind processor, front-end DSE,
// persistent-search registry and admin HTTP surface into one runnable
// daemon, filling the ReadOperation/ApplyPendingLayerChange/Teardown
// seams workpool.Pool leaves open for exactly this purpose: a small
// struct holding every collaborator, a Start/Shutdown lifecycle, and a
// WaitNotify that blocks on OS signals.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"

	"github.com/silverleaf/ldapd/adminhttp"
	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/bindproc"
	"github.com/silverleaf/ldapd/certificates"
	"github.com/silverleaf/ldapd/clock"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/dispatch"
	errpool "github.com/silverleaf/ldapd/errors/pool"
	"github.com/silverleaf/ldapd/fedse"
	"github.com/silverleaf/ldapd/haproxy"
	"github.com/silverleaf/ldapd/iolayer"
	"github.com/silverleaf/ldapd/listener"
	"github.com/silverleaf/ldapd/logger"
	"github.com/silverleaf/ldapd/operation"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/psearch"
	"github.com/silverleaf/ldapd/stats"
	"github.com/silverleaf/ldapd/workpool"
)

// Config is everything the composition root needs to build a daemon:
// listen sockets, the cn=config-derived policies the dispatcher and bind
// processor enforce, and the one extension point left to the caller,
// the storage backend.
type Config struct {
	Listeners         []listener.Config
	Admin             adminhttp.Config
	Dispatch          dispatch.Policy
	Bind              bindproc.Policy
	Workers           int
	MaxBERSize        int
	IOBlockTimeout    time.Duration
	TableCapacity     int
	HAProxyTrustedIPs []string
	DSEFile           string

	// StartTLS, when set, lets a connection accepted on a plain listener
	// upgrade via the StartTLS extended operation. Nil
	// disables StartTLS; a dedicated TLS listener configured separately
	// in Listeners is unaffected either way.
	StartTLS certificates.TLSConfig

	// Mapping is the injected storage backend mapping tree;
	// schema/ACL/storage engines live behind the plugin boundary, not in
	// this module. A nil Mapping yields a daemon that serves the front-end
	// DSE (root DSE, cn=monitor, cn=config) and answers NoSuchObject for
	// everything else; plugin/memtest is a test-only stand-in and is
	// deliberately not used here.
	Mapping  plugin.MappingTree
	ACL      plugin.ACL
	PwPolicy plugin.PasswordPolicy
	External bindproc.ExternalIdentity

	Vendor fedse.VendorInfo
	Log    logger.FuncLog
}

// Server owns every long-lived collaborator and the goroutines that
// start/stop them together.
type Server struct {
	cfg   Config
	log   logger.FuncLog
	stats *stats.Registry
	table *conntable.Table
	clock *clock.Clock

	dse     *fedse.Tree
	psearch *psearch.Registry
	mapping plugin.MappingTree

	bind       *bindproc.Processor
	dispatcher *dispatch.Dispatcher
	pool       *workpool.Pool
	listener   *listener.Listener
	admin      adminhttp.Server

	cancel context.CancelFunc
}

// New assembles a Server from cfg without starting anything; call Start
// to open listen sockets and launch the worker pool.
func New(cfg Config) (*Server, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.TableCapacity <= 0 {
		cfg.TableCapacity = 1024
	}

	logf := cfg.Log
	if logf == nil {
		l := logger.New()
		logf = func() logger.Logger { return l }
	}

	st := stats.New()
	table := conntable.New(cfg.TableCapacity)
	clk := clock.New()

	dse := fedse.New()
	if cfg.DSEFile != "" {
		if err := dse.Load(cfg.DSEFile); err != nil {
			return nil, fmt.Errorf("server: loading front-end DSE: %w", err)
		}
	}

	backendMapping := cfg.Mapping
	if backendMapping == nil {
		backendMapping = nullMapping{}
	}

	root := fedse.NewRootDSEProvider(cfg.Vendor)
	root.Mapping = backendMapping
	mon := &fedse.MonitorProvider{Stats: st, Table: table, Start: time.Now()}
	fedse.RegisterMonitorTree(dse, root, mon)

	rm := &rootAwareMapping{backend: fedseBackend(dse), next: backendMapping}

	psreg := psearch.New(context.Background())
	psreg.ACL = cfg.ACL

	bind := &bindproc.Processor{
		Policy:   cfg.Bind,
		Mapping:  rm,
		PwPolicy: cfg.PwPolicy,
		Stats:    st,
		Log:      logf(),
		External: cfg.External,
	}

	disp := &dispatch.Dispatcher{
		Policy:    cfg.Dispatch,
		Bind:      bind,
		Mapping:   rm,
		ACL:       cfg.ACL,
		Stats:     st,
		Corker:    dispatch.NewLinuxCorker(),
		PSearch:   psreg,
		TLSConfig: cfg.StartTLS,
	}

	var trusted *haproxy.AllowList
	if len(cfg.HAProxyTrustedIPs) > 0 {
		al, err := haproxy.ParseAllowList(cfg.HAProxyTrustedIPs)
		if err != nil {
			return nil, fmt.Errorf("server: parsing haproxy trusted IP list: %w", err)
		}
		trusted = al
	}

	s := &Server{
		cfg:        cfg,
		log:        logf,
		stats:      st,
		table:      table,
		clock:      clk,
		dse:        dse,
		psearch:    psreg,
		mapping:    rm,
		bind:       bind,
		dispatcher: disp,
	}

	s.pool = workpool.New(cfg.Workers, st, &rankSource{table: table}, s.handleDecoded, s.onIdle)
	s.pool.ReadOperation = s.readOperation
	s.pool.ApplyPendingLayerChange = s.applyPendingLayerChange
	s.pool.Teardown = s.teardown

	s.listener = listener.New(table, s.enqueue, trusted, logf())
	s.admin = adminhttp.New(cfg.Admin, logf, st, table)

	return s, nil
}

// Start launches the worker pool and clock tick, opens every configured
// listen socket, and starts the admin HTTP surface if configured. It
// returns once accept loops are running; call WaitNotify or Shutdown to
// control the daemon's lifetime.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.clock.Run(ctx, time.Second)
	s.pool.Start(ctx)

	for _, lc := range s.cfg.Listeners {
		if err := s.listener.Listen(lc); err != nil {
			cancel()
			return fmt.Errorf("server: %w", err)
		}
	}

	if s.cfg.Admin.Listen != "" {
		if err := s.admin.Listen(); err != nil {
			cancel()
			return fmt.Errorf("server: admin listen: %w", err)
		}
	}

	return nil
}

// WaitNotify blocks until SIGINT/SIGTERM/SIGQUIT, then runs Shutdown,
// mirroring adminhttp.Server.WaitNotify at the whole-daemon level.
func (s *Server) WaitNotify() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	s.Shutdown(context.Background())
}

// Shutdown stops accepting new connections, stops the worker pool, drains
// and tears down every connection still in the table, stops the admin
// surface, and closes the front-end DSE watcher: stop first, then
// drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	errs := errpool.New()

	errs.Add(s.listener.Shutdown(ctx))

	s.pool.Shutdown()

	var remaining []*conntable.Connection
	s.table.Iterate(func(c *conntable.Connection) {
		remaining = append(remaining, c)
	})
	for _, c := range remaining {
		s.teardown(c)
	}

	s.admin.Shutdown()

	errs.Add(s.dse.Close())

	return errs.Error()
}

// enqueue is the listener.Enqueue callback: a freshly accepted, slotted
// connection becomes a live connection (bumping NumConns) and its first
// job is submitted to the pool.
func (s *Server) enqueue(conn *conntable.Connection) {
	s.stats.NumConns.Add(1)
	s.pool.Submit(workpool.Job{Conn: conn})
}

// onIdle resubmits conn to the pool queue, standing in for the listener
// poll set this Go translation never builds: iolayer's blocking,
// deadline-bounded reads already give a connection a bounded-wait "is
// there a PDU yet" check each time it is serviced, so resubmitting plays
// the same role epoll_wait would for a C-style reactor.
func (s *Server) onIdle(conn *conntable.Connection) {
	s.pool.Submit(workpool.Job{Conn: conn})
}

// readOperation is workpool.Pool's ReadOperation seam: lazily builds the
// connection's framer over its current layer stack, arms the configured
// read deadline, and decodes msgid/tag/body out of the resulting packet.
func (s *Server) readOperation(conn *conntable.Connection) (int64, int, []byte, bool, ber.Status, error) {
	if conn.Framer == nil {
		conn.Framer = ber.NewFramer(conn.Stack, s.cfg.MaxBERSize)
	}
	if s.cfg.IOBlockTimeout > 0 {
		_ = conn.Stack.SetReadDeadline(time.Now().Add(s.cfg.IOBlockTimeout))
	}

	pkt, status, err := conn.Framer.ReadOperation()
	if status != ber.StatusOk {
		var fe *ber.FatalError
		if errors.As(err, &fe) {
			_, _ = conn.Stack.Write(ber.NoticeOfDisconnection(uint16(plugin.ProtocolError), string(fe.Reason)).Bytes())
			s.log().Entry(logger.WarnLevel,
				"conn=%d fd=%d disconnected: code=%d reason=%s",
				conn.ID, conn.FD(), int(fe.Code()), fe.Reason).Log()
		}
		return 0, 0, nil, false, status, err
	}

	msgID, err := ber.MessageID(pkt)
	if err != nil {
		return 0, 0, nil, false, ber.StatusDone, err
	}
	_, tag, err := ber.ProtocolOp(pkt)
	if err != nil {
		return 0, 0, nil, false, ber.StatusDone, err
	}

	return msgID, int(tag), pkt.Bytes(), conn.Framer.Residual(), ber.StatusOk, nil
}

// applyPendingLayerChange is workpool.Pool's ApplyPendingLayerChange
// seam: it applies a deferred STARTTLS-style push/pop installed under the
// connection lock and resets the framer so buffered bytes belonging to
// the old layer are never replayed through the new one.
func (s *Server) applyPendingLayerChange(conn *conntable.Connection) {
	conn.Lock()
	pending := conn.Pending
	conn.Pending = iolayer.PendingChange{}
	conn.Unlock()

	switch {
	case pending.Push != nil:
		conn.Stack.Push(pending.Push)
		if tl, ok := pending.Push.(iolayer.TLSLayer); ok {
			if err := tl.Handshake(); err != nil {
				s.log().Entry(logger.WarnLevel, "server: deferred TLS handshake failed for connection %d", conn.ID).ErrorAdd(true, err).Log()
				conn.SetFlag(conntable.FlagClosing)
			} else {
				conn.SetSSFSSL(iolayer.SSFFromCipherSuite(tl.ConnectionState().CipherSuite))
			}
		}
	case pending.Pop:
		_ = conn.Stack.Pop()
	default:
		return
	}

	if conn.Framer != nil {
		conn.Framer.Reset(conn.Stack)
	}
}

// teardown is workpool.Pool's Teardown seam: unsubscribe any persistent
// searches conn still owns, unsplice it from the active list, close its
// I/O stack and ancillary closers in that order, free its table slot, and
// reset it for reuse.
func (s *Server) teardown(conn *conntable.Connection) {
	s.psearch.UnsubscribeAllForConn(conn)
	s.table.DeactivateFromListener(conn)
	_ = conn.Stack.Close()
	_ = conn.Closers().Close()
	s.table.ReleaseConn(conn)
	conn.Reset()
	s.stats.NumConns.Add(-1)
}

// handleDecoded is the workpool.New dispatch callback: it re-decodes the
// full LDAPMessage the pool handed back as raw bytes, builds the
// Operation, runs it through the dispatcher, and writes any response.
func (s *Server) handleDecoded(conn *conntable.Connection, raw []byte, msgID int64) {
	pkt := goberasn1.DecodePacket(raw)
	if pkt == nil {
		return
	}
	reqOp, tag, err := ber.ProtocolOp(pkt)
	if err != nil {
		return
	}

	op := operation.New(msgID, tag)
	op.Controls = ber.Controls(pkt)
	defer operation.Release(op)

	conn.Lock()
	conn.LinkOp(msgID)
	conn.Unlock()

	resp, _ := s.dispatcher.Dispatch(context.Background(), conn, op, tag, reqOp)

	conn.Lock()
	conn.UnlinkOp(msgID)
	conn.Unlock()

	if resp == nil || conn.Stack == nil {
		return
	}
	_, _ = conn.Stack.Write(resp.Bytes())
}

// rankSource ranks a connection by its OpsInitiated count among every
// other connection currently in the table, a direct (if coarse) proxy
// for the busy measure the turbo enter/exit formula needs;
// activeWorkers is approximated by the table's own active-connection
// count, since that is this translation's closest analog to "workers
// currently servicing a connection".
type rankSource struct {
	table *conntable.Table
}

func (r *rankSource) Rank(conn *conntable.Connection) (rank, activeWorkers int) {
	var ops []int64
	var mine int64
	r.table.Iterate(func(c *conntable.Connection) {
		o := c.OpsInitiated.Load()
		ops = append(ops, o)
		if c == conn {
			mine = o
		}
	})
	for _, o := range ops {
		if o > mine {
			rank++
		}
	}
	return rank, len(ops)
}

// nullMapping is the default plugin.MappingTree used when no storage
// backend is injected: every DN outside the front-end DSE answers
// NoSuchObject/UnwillingToPerform rather than panicking or silently
// succeeding. plugin/memtest exists for this module's own tests and is
// deliberately not used as this default.
type nullMapping struct{}

func (nullMapping) Resolve(string) (*plugin.Backend, bool) { return nil, false }
func (nullMapping) NamingContexts() []string               { return nil }

// rootAwareMapping layers the front-end DSE (root DSE, cn=config,
// cn=monitor and its children) over an injected backend mapping tree, so
// the ordinary dispatch/bindproc backend-routing path reaches fedse
// without either package needing to import it directly.
type rootAwareMapping struct {
	backend *plugin.Backend
	next    plugin.MappingTree
}

func (m *rootAwareMapping) Resolve(dn string) (*plugin.Backend, bool) {
	norm := fedse.NormalizeDN(dn)
	if norm == "" || strings.HasPrefix(norm, "cn=monitor") || strings.HasPrefix(norm, "cn=config") {
		return m.backend, true
	}
	if m.next != nil {
		return m.next.Resolve(dn)
	}
	return nil, false
}

func (m *rootAwareMapping) NamingContexts() []string {
	if m.next != nil {
		return m.next.NamingContexts()
	}
	return nil
}

// fedseBackend adapts a front-end DSE tree to the plugin.Backend contract
// so it can be reached through the same Resolve/Search/Modify/Delete path
// any other backend uses. Bind/Add/ModRDN are left nil: the front-end DSE
// is not a bindable identity and does not accept new entries or renames.
func fedseBackend(tree *fedse.Tree) *plugin.Backend {
	return &plugin.Backend{
		Search: func(ctx context.Context, baseDN string, scope int, _ string) ([]plugin.Entry, plugin.OpResult, error) {
			e, ok := tree.Search(ctx, baseDN, scope)
			if !ok {
				return nil, plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.NoSuchObject}, nil
			}
			return []plugin.Entry{{DN: e.DN, Attributes: e.Attributes}}, plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
		},
		Modify: func(_ context.Context, dn string, changes []plugin.Change) (plugin.OpResult, error) {
			return tree.Modify(dn, changes)
		},
		Delete: func(_ context.Context, dn string) (plugin.OpResult, error) {
			if err := fedse.MonitorDeleteGuard(dn); err != nil {
				return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.UnwillingToPerform}, nil
			}
			if err := tree.Delete(dn); err != nil {
				return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.UnwillingToPerform}, nil
			}
			return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
		},
	}
}
