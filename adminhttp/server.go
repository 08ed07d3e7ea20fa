// Package adminhttp is the daemon's operational HTTP surface: a
// /healthz liveness probe, a /metrics
// Prometheus exposition endpoint, and a /status JSON snapshot of the
// process's own connection table and operation counters, served by a
// gin-gonic/gin router over an http.Server configured for HTTP/2 via
// golang.org/x/net/http2. The route table is gin rather than net/http's
// raw mux so it can grow (pprof, future admin
// actions) without the god-handler net/http tends to accumulate.
package adminhttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/net/http2"

	"github.com/silverleaf/ldapd/certificates"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/logger"
	"github.com/silverleaf/ldapd/stats"
)

const (
	timeoutShutdown = 10 * time.Second
	timeoutRestart  = 30 * time.Second
)

// Config is the admin surface's own listen/timeout knobs, kept separate
// from the main LDAP listener config.
type Config struct {
	Listen            string
	TLS               certificates.TLSConfig // nil disables TLS
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Server is the admin HTTP surface.
type Server interface {
	GetConfig() Config
	SetConfig(cfg Config)

	IsRunning() bool
	IsTLS() bool
	WaitNotify()

	// Handler returns the route table without binding a socket, so tests
	// can drive it with httptest instead of a live listener.
	Handler() http.Handler

	Listen() error
	Restart() error
	Shutdown()
}

type server struct {
	cfg   Config
	run   atomic.Bool
	srv   *http.Server
	cnl   context.CancelFunc
	log   logger.FuncLog
	stats *stats.Registry
	table *conntable.Table
	pid   int32
}

// New builds an admin server bound to the given stats registry and
// connection table, the two sources the /status endpoint reflects.
func New(cfg Config, log logger.FuncLog, reg *stats.Registry, table *conntable.Table) Server {
	return &server{
		cfg:   cfg,
		log:   log,
		stats: reg,
		table: table,
		pid:   int32(os.Getpid()),
	}
}

func (s *server) GetConfig() Config   { return s.cfg }
func (s *server) SetConfig(cfg Config) { s.cfg = cfg }
func (s *server) IsRunning() bool      { return s.run.Load() }
func (s *server) IsTLS() bool          { return s.cfg.TLS != nil }

func (s *server) Handler() http.Handler { return s.router() }

func (s *server) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/status", s.handleStatus)

	collector := stats.NewCollector(s.stats)
	reg := prometheus.NewRegistry()
	_ = reg.Register(collector)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return r
}

func (s *server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusResponse is the /status payload: live counters plus the admin
// process's own resource usage, read through gopsutil the way the pack's
// process-monitoring examples do.
type statusResponse struct {
	Stats       stats.Snapshot `json:"stats"`
	Connections int            `json:"connections"`
	Capacity    int             `json:"capacity"`
	RSSBytes    uint64          `json:"rssBytes,omitempty"`
	CPUPercent  float64         `json:"cpuPercent,omitempty"`
	OpenFDs     int32           `json:"openFds,omitempty"`
}

func (s *server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Stats: s.stats.Snapshot(),
	}
	if s.table != nil {
		resp.Connections = s.table.Len()
		resp.Capacity = s.table.Cap()
	}

	if p, err := process.NewProcess(s.pid); err == nil {
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if fds, err := p.NumFDs(); err == nil {
			resp.OpenFDs = fds
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Listen starts the admin server in the background: build the
// *http.Server, configure HTTP/2, start
// ListenAndServe(TLS) in a goroutine, return once listening is underway.
func (s *server) Listen() error {
	if s.cfg.Listen == "" {
		return errors.New("adminhttp: empty listen address")
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router(),
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	if s.cfg.TLS != nil {
		srv.TLSConfig = s.cfg.TLS.TlsConfig("")
	}

	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return err
	}

	if s.IsRunning() {
		s.Shutdown()
	}
	s.srv = srv

	ctx, cnl := context.WithCancel(context.Background())
	s.cnl = cnl

	go func() {
		defer func() {
			cnl()
			s.run.Store(false)
		}()

		srv.BaseContext = func(net.Listener) context.Context { return ctx }

		var err error
		s.run.Store(true)
		if s.cfg.TLS != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.log != nil {
				s.log().Entry(logger.ErrorLevel, "admin HTTP server stopped").ErrorAdd(true, err).Log()
			}
		}
	}()

	return nil
}

// WaitNotify blocks until SIGINT/SIGTERM/SIGQUIT, then shuts down.
func (s *server) WaitNotify() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	s.Shutdown()
}

// Restart stops and relaunches the server, bounding the whole cycle to
// timeoutRestart.
func (s *server) Restart() error {
	done := make(chan error, 1)
	go func() {
		s.Shutdown()
		done <- s.Listen()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeoutRestart):
		return errors.New("adminhttp: restart exceeded timeout")
	}
}

// Shutdown stops the server, honoring timeoutShutdown.
func (s *server) Shutdown() {
	if s.srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeoutShutdown)
	defer cancel()

	if s.cnl != nil {
		s.cnl()
	}

	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if s.log != nil {
			s.log().Entry(logger.ErrorLevel, "admin HTTP shutdown error").ErrorAdd(true, err).Log()
		}
	}
	s.run.Store(false)
}
