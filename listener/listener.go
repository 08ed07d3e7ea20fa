// Package listener implements the accept loop:
// it opens the configured plain, TLS, and local listen sockets,
// accepts connections, optionally peels off a PROXY protocol header,
// installs a fresh slot in the connection table, and hands the
// connection to the worker pool via the Enqueue callback.
package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/silverleaf/ldapd/certificates"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/haproxy"
	"github.com/silverleaf/ldapd/iolayer"
	"github.com/silverleaf/ldapd/logger"
)

// Kind distinguishes the transport a listen socket was opened for, since
// a TLS-fd connection pushes its TLS layer immediately on accept while a
// plain-fd connection only does so later, on StartTLS.
type Kind int

const (
	KindPlain Kind = iota
	KindTLS
	KindLocal
)

// Config describes one listen socket.
type Config struct {
	Kind    Kind
	Network string // "tcp", "tcp4", "tcp6", "unix"
	Address string
	TLS     certificates.TLSConfig // required when Kind == KindTLS
}

// Enqueue hands a freshly accepted, slotted connection to the worker
// pool. Supplied by the composition root (server package).
type Enqueue func(conn *conntable.Connection)

// Listener owns one or more listen sockets and the accept loops feeding
// them into the connection table and worker pool.
type Listener struct {
	table   *conntable.Table
	enqueue Enqueue
	trusted *haproxy.AllowList
	log     logger.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	shutdown  chan struct{}
	closeOnce sync.Once
}

// New builds a Listener bound to table, dispatching newly accepted
// connections through enqueue. trusted may be nil to disable PROXY header
// support entirely.
func New(table *conntable.Table, enqueue Enqueue, trusted *haproxy.AllowList, log logger.Logger) *Listener {
	return &Listener{
		table:    table,
		enqueue:  enqueue,
		trusted:  trusted,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// Listen opens one configured socket and starts its accept loop. It may
// be called multiple times (once per configured listener) before Wait.
func (l *Listener) Listen(cfg Config) error {
	var (
		ln  net.Listener
		err error
	)

	switch cfg.Kind {
	case KindTLS:
		if cfg.TLS == nil {
			return errors.New("listener: TLS listener requires a TLS config")
		}
		ln, err = tls.Listen(cfg.Network, cfg.Address, cfg.TLS.TLS(""))
	default:
		ln, err = net.Listen(cfg.Network, cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("listener: listen %s %s: %w", cfg.Network, cfg.Address, err)
	}

	if tcpLn, ok := underlyingTCPListener(ln); ok {
		_ = tcpLn // the accept backlog is the operating system default; no ListenConfig tuning is applied
	}

	l.mu.Lock()
	l.listeners = append(l.listeners, ln)
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln, cfg.Kind)
	return nil
}

func underlyingTCPListener(ln net.Listener) (*net.TCPListener, bool) {
	tl, ok := ln.(*net.TCPListener)
	return tl, ok
}

func (l *Listener) acceptLoop(ln net.Listener, kind Kind) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.log.Entry(logger.WarnLevel, "listener: accept error").ErrorAdd(true, err).Log()
			return
		}

		go l.handleAccept(conn, kind)
	}
}

// handleAccept runs the per-connection accept steps: resolve
// addresses, optionally parse a PROXY header, acquire and install a slot,
// then enqueue.
func (l *Listener) handleAccept(raw net.Conn, kind Kind) {
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	remote := raw.RemoteAddr()
	local := raw.LocalAddr()

	br := bufio.NewReader(raw)
	peerAddr := remote

	if l.trusted != nil && isTrustedSource(remote, l.trusted) {
		hdr, res, err := haproxy.ReadHeader(br)
		switch res {
		case haproxy.Invalid:
			l.log.Entry(logger.WarnLevel, "listener: malformed PROXY header from %s", remote).ErrorAdd(true, err).Log()
			raw.Close()
			return
		case haproxy.Parsed:
			if !hdr.Local {
				peerAddr = hdr.RemoteAddr()
			}
		case haproxy.NotAHeader:
			// leading bytes already buffered in br; fall through untouched
		}
	}

	bottom := iolayer.NewPlain(&bufferedConn{Conn: raw, br: br})

	var stack iolayer.Layer = bottom
	var tlsSSF int32
	if kind == KindTLS {
		if tc, ok := raw.(*tls.Conn); ok {
			tl := iolayer.NewTLS(bottom, tc)
			// Force the handshake now rather than lazily on the first
			// framer read, so a TLS failure is rejected at accept time
			// and ssf_ssl reflects the negotiated cipher suite before
			// any LDAP traffic is processed.
			if err := tc.Handshake(); err != nil {
				l.log.Entry(logger.WarnLevel, "listener: TLS handshake failed from %s", remote).ErrorAdd(true, err).Log()
				raw.Close()
				return
			}
			tlsSSF = iolayer.SSFFromCipherSuite(tc.ConnectionState().CipherSuite)
			stack = tl
		}
	}

	conn, ok := l.table.Acquire(fdHint(raw), func(id int64) *conntable.Connection {
		c := conntable.NewConnection(id, fdHint(raw), peerAddr, local, stack)
		switch kind {
		case KindTLS:
			c.SetFlag(conntable.FlagTLS)
			c.SetSSFSSL(tlsSSF)
		case KindLocal:
			c.SetFlag(conntable.FlagPlain)
			c.SetSSFLocal(conntable.LocalChannelSSF)
		default:
			c.SetFlag(conntable.FlagPlain)
		}
		return c
	})
	if !ok {
		l.log.Entry(logger.WarnLevel, "listener: connection table full, rejecting %s", peerAddr).Log()
		raw.Close()
		return
	}

	l.table.ActivateOnListener(conn)
	l.enqueue(conn)
}

// bufferedConn lets the already-buffered PROXY-header peek bytes flow
// into the BER framer without a second read syscall re-consuming them.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.br.Read(p) }

func isTrustedSource(addr net.Addr, trusted *haproxy.AllowList) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	a, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return false
	}
	return trusted.Contains(a.Unmap())
}

func fdHint(conn net.Conn) int {
	// net.Conn does not expose its file descriptor portably; the table
	// only needs a stable probe seed, and the remote port supplies one
	// that is cheap to obtain without a syscall.File() duplication.
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Shutdown stops all accept loops and waits for them to exit. It does
// not close already-accepted connections; that drain is the worker
// pool's and connection table's responsibility.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.closeOnce.Do(func() {
		close(l.shutdown)
		l.mu.Lock()
		for _, ln := range l.listeners {
			ln.Close()
		}
		l.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("listener: shutdown timed out waiting for accept loops")
	}
}
