// Package server runs the relay server: it authenticates client sessions,
// keeps one live session per user, binds the tunnels the server enters and
// routes streams between sessions and endpoints.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/forwarder"
	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/router"
	"github.com/orris-inc/orris-relay/internal/status"
	"github.com/orris-inc/orris-relay/internal/store"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	Listen    string
	Transport string
	TLS       *tls.Config

	// MetricsListen serves /metrics when set.
	MetricsListen string
	// StatsInterval is how often host and relay stats are reported. Zero
	// disables the report.
	StatsInterval time.Duration

	DialTimeout    time.Duration
	UDPIdleTimeout time.Duration

	AuthRate  float64
	AuthBurst int

	Session mux.Config
	Events  events.Sink
	Logger  *slog.Logger
}

type Server struct {
	cfg       Config
	store     store.Store
	registry  *Registry
	router    *router.Router
	manager   *forwarder.Manager
	limiter   *authLimiter
	metrics   *events.MetricsSink
	events    events.Sink
	collector *status.Collector
	log       *slog.Logger

	snapshot atomic.Pointer[store.Snapshot]
	version  atomic.Uint64
	reloadMu sync.Mutex

	ready       chan struct{}
	addr        net.Addr
	metricsAddr net.Addr
	conns       sync.WaitGroup
}

// New wires a server over st. Nothing is bound until Run.
func New(cfg Config, st store.Store) *Server {
	base := cfg.Logger
	if base == nil {
		base = logger.Default()
	}
	if cfg.AuthRate <= 0 {
		cfg.AuthRate = 1
	}
	if cfg.AuthBurst <= 0 {
		cfg.AuthBurst = 5
	}

	s := &Server{
		store:     st,
		registry:  NewRegistry(),
		limiter:   newAuthLimiter(cfg.AuthRate, cfg.AuthBurst),
		collector: status.NewCollector(),
		log:       base.With("component", "server"),
		ready:     make(chan struct{}),
	}

	sinks := events.Multi{events.NewLogSink(base.With("component", "events"))}
	if cfg.MetricsListen != "" {
		s.metrics = events.NewMetricsSink()
		sinks = append(sinks, s.metrics)
	}
	if cfg.Events != nil {
		sinks = append(sinks, cfg.Events)
	}
	s.events = sinks

	cfg.Session.Events = s.events
	cfg.Session.Logger = base
	s.cfg = cfg

	traffic := forwarder.NewTrafficTable()
	exit := forwarder.NewExit(forwarder.ExitConfig{
		DialTimeout:    cfg.DialTimeout,
		UDPIdleTimeout: cfg.UDPIdleTimeout,
		Events:         s.events,
		Logger:         base,
	}, traffic)
	s.router = router.New(s.registry, s, exit, s.events, base)
	s.manager = forwarder.NewManager(s.router, traffic, forwarder.ManagerConfig{
		UDPIdleTimeout: cfg.UDPIdleTimeout,
		Events:         s.events,
		Logger:         base,
	})
	return s
}

// Ready is closed once Run has bound the control listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the control listener address. Valid after Ready.
func (s *Server) Addr() net.Addr { return s.addr }

// MetricsAddr returns the metrics listener address, or nil. Valid after Ready.
func (s *Server) MetricsAddr() net.Addr { return s.metricsAddr }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Manager() *forwarder.Manager { return s.manager }

// Tunnel returns a definition from the current snapshot.
func (s *Server) Tunnel(id uint32) (tunnel.Definition, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return tunnel.Definition{}, false
	}
	return snap.Tunnel(id)
}

// ResolveTunnel returns the enabled tunnel the server listens for on
// listenAddr.
func (s *Server) ResolveTunnel(listenAddr string) (tunnel.Definition, error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return tunnel.Definition{}, fmt.Errorf("%w: no tunnels loaded", tunnel.ErrNotFound)
	}
	return snap.ResolveTunnel(tunnel.ServerUserID, listenAddr)
}

// Reload re-reads the tunnels, rebinds the server's listeners and pushes
// every connected user its new tunnel set. On error the previous snapshot
// stays in effect.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	defs, err := s.store.Tunnels(ctx)
	if err != nil {
		return fmt.Errorf("load tunnels: %w", err)
	}
	snap := store.NewSnapshot(s.version.Add(1), defs)
	s.snapshot.Store(snap)

	failed := s.manager.Sync(snap.EnteredBy(tunnel.ServerUserID))
	for _, sess := range s.registry.Sessions() {
		s.pushSync(sess, snap)
	}
	s.log.Info("tunnels loaded",
		"version", snap.Version(),
		"tunnels", len(defs),
		"bound", len(s.manager.Active()),
		"rejected", len(failed))
	return nil
}

func (s *Server) pushSync(sess *mux.Session, snap *store.Snapshot) {
	if snap == nil {
		return
	}
	msg := &tunnel.TunnelSync{Version: snap.Version(), Tunnels: snap.ForUser(sess.UserID())}
	if err := sess.SendSync(msg); err != nil {
		s.log.Warn("push tunnel sync", "user_id", sess.UserID(), "session_id", sess.ID(), "error", err)
	}
}

// Run loads the tunnels, binds the control listener and serves until ctx is
// done. It returns nil after a shutdown requested through ctx.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}

	acc, err := tunnel.Listen(s.cfg.Transport, s.cfg.Listen, s.cfg.TLS)
	if err != nil {
		s.manager.Stop()
		return fmt.Errorf("control listener: %w", err)
	}
	s.addr = acc.Addr()

	var metricsLn net.Listener
	if s.metrics != nil {
		metricsLn, err = net.Listen("tcp", s.cfg.MetricsListen)
		if err != nil {
			acc.Close()
			s.manager.Stop()
			return fmt.Errorf("metrics listener: %w", err)
		}
		s.metricsAddr = metricsLn.Addr()
	}
	close(s.ready)
	s.log.Info("relay server listening", "addr", s.addr, "transport", s.cfg.Transport, "tls", s.cfg.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, acc) })
	g.Go(func() error {
		<-gctx.Done()
		return acc.Close()
	})
	g.Go(func() error { return s.watchLoop(gctx) })
	if s.cfg.StatsInterval > 0 {
		g.Go(func() error {
			s.statsLoop(gctx)
			return nil
		})
	}
	if metricsLn != nil {
		srv := s.metricsServer()
		g.Go(func() error {
			if err := srv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	s.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) metricsServer() *http.Server {
	routes := http.NewServeMux()
	routes.Handle("/metrics", s.metrics.Handler())
	return &http.Server{Handler: routes, ReadHeaderTimeout: 10 * time.Second}
}

func (s *Server) acceptLoop(ctx context.Context, acc tunnel.Acceptor) error {
	for {
		conn, err := acc.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("control listener closed: %w", err)
			}
			if tunnel.IsResourceExhausted(err) {
				logger.Fatal("control listener out of resources", "error", err)
			}
			s.log.Error("accept control connection", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	auth := mux.AuthenticatorFunc(func(ctx context.Context, username, password string) (uint32, error) {
		if !s.limiter.Allow(remote) {
			return 0, fmt.Errorf("%w: too many attempts from %s", tunnel.ErrAuthFailed, hostOf(remote))
		}
		return s.store.Authenticate(ctx, username, password)
	})

	sess, err := mux.ServerHandshake(ctx, conn, auth, s.cfg.Session, s.router)
	if !stop() {
		// shutdown closed the connection under the handshake
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		s.log.Debug("handshake failed", "remote", remote, "error", err)
		conn.Close()
		return
	}

	// Lookup skips sessions that are not established yet
	sess.Start()
	if old := s.registry.Register(sess); old != nil {
		s.log.Info("session superseded", "user_id", sess.UserID(), "old_session", old.ID(), "new_session", sess.ID())
		go old.CloseWithReason(tunnel.ReasonSuperseded, "replaced by session "+sess.ID())
	}
	s.pushSync(sess, s.snapshot.Load())

	go func() {
		<-sess.Done()
		s.registry.Remove(sess)
	}()
}

func (s *Server) watchLoop(ctx context.Context) error {
	changes, err := s.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := s.Reload(ctx); err != nil {
				s.log.Error("reload tunnels, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStats(ctx)
		}
	}
}

func (s *Server) reportStats(ctx context.Context) {
	st, err := s.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("collect stats", "error", err)
		}
		return
	}

	var upload, download int64
	for _, item := range s.manager.Traffic().Snapshot() {
		upload += item.Upload
		download += item.Download
		s.log.Debug("tunnel traffic", "tunnel_id", item.TunnelID, "upload_bytes", item.Upload, "download_bytes", item.Download)
	}
	s.collector.SetActiveStats(st, s.registry.Len(), s.registry.NumStreams(), len(s.manager.Active()))
	s.collector.SetTraffic(st, upload, download)
	s.events.Emit(events.Event{Kind: events.HostStats, Attrs: st.Attrs()})
}

func (s *Server) shutdown() {
	s.manager.Stop()
	s.conns.Wait()

	var wg sync.WaitGroup
	for _, sess := range s.registry.Sessions() {
		wg.Add(1)
		go func(sess *mux.Session) {
			defer wg.Done()
			sess.CloseWithReason(tunnel.ReasonNormal, "server shutting down")
		}(sess)
	}
	wg.Wait()
	s.log.Info("relay server stopped")
}
