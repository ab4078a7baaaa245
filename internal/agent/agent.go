// Package agent runs the relay client: it keeps one session to the relay
// server, binds the tunnels the user enters and dials the endpoints of the
// tunnels the user sends.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/forwarder"
	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/status"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// Config configures an Agent.
type Config struct {
	Server    string
	Transport string
	// TLS enables TLS towards the server when set.
	TLS *tls.Config

	Username string
	Password string

	DialTimeout    time.Duration
	UDPIdleTimeout time.Duration
	// StatsInterval is how often host and relay stats are logged. Zero
	// disables the report.
	StatsInterval time.Duration

	ReconnectInterval time.Duration
	ReconnectMax      time.Duration

	Session mux.Config
	Events  events.Sink
	Logger  *slog.Logger
}

type Agent struct {
	cfg       Config
	manager   *forwarder.Manager
	exit      *forwarder.Exit
	collector *status.Collector
	events    events.Sink
	log       *slog.Logger

	mu      sync.RWMutex
	sess    *mux.Session
	userID  uint32
	tunnels map[uint32]tunnel.Definition
	version uint64

	// syncs holds the latest tunnel sync not applied yet.
	syncs chan *tunnel.TunnelSync
}

func New(cfg Config) *Agent {
	base := cfg.Logger
	if base == nil {
		base = logger.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectInterval {
		cfg.ReconnectMax = 30 * cfg.ReconnectInterval
	}
	if cfg.Transport == "" {
		cfg.Transport = tunnel.TransportTCP
	}

	a := &Agent{
		collector: status.NewCollector(),
		log:       base.With("component", "agent"),
		tunnels:   make(map[uint32]tunnel.Definition),
		syncs:     make(chan *tunnel.TunnelSync, 1),
	}

	sinks := events.Multi{events.NewLogSink(base.With("component", "events"))}
	if cfg.Events != nil {
		sinks = append(sinks, cfg.Events)
	}
	a.events = sinks

	cfg.Session.Events = a.events
	cfg.Session.Logger = base
	a.cfg = cfg

	traffic := forwarder.NewTrafficTable()
	a.exit = forwarder.NewExit(forwarder.ExitConfig{
		DialTimeout:    cfg.DialTimeout,
		UDPIdleTimeout: cfg.UDPIdleTimeout,
		Events:         a.events,
		Logger:         base,
	}, traffic)
	a.manager = forwarder.NewManager(a, traffic, forwarder.ManagerConfig{
		UDPIdleTimeout: cfg.UDPIdleTimeout,
		Events:         a.events,
		Logger:         base,
	})
	return a
}

// Session returns the live session, or nil while disconnected.
func (a *Agent) Session() *mux.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sess
}

// UserID returns the user id the server assigned on the last login.
func (a *Agent) UserID() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userID
}

// Tunnel returns a definition from the last applied sync.
func (a *Agent) Tunnel(id uint32) (tunnel.Definition, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	def, ok := a.tunnels[id]
	return def, ok
}

// Version returns the version of the last applied sync.
func (a *Agent) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

func (a *Agent) Manager() *forwarder.Manager { return a.manager }

// Run keeps a session to the server until ctx is done, reconnecting with
// backoff whenever it drops. Listeners stay bound across reconnects. It
// returns nil after a shutdown requested through ctx.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.connectLoop(gctx) })
	g.Go(func() error {
		a.syncLoop(gctx)
		return nil
	})
	if a.cfg.StatsInterval > 0 {
		g.Go(func() error {
			a.statsLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	a.manager.Stop()
	a.reportFinalTraffic()
	a.log.Info("relay client stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) connectLoop(ctx context.Context) error {
	backoff := tunnel.NewReconnectBackoff(a.cfg.ReconnectInterval, a.cfg.ReconnectMax)

	for {
		sess, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("connect to relay server failed",
				"server", a.cfg.Server,
				"attempt", backoff.Attempt()+1,
				"error", err)
		} else {
			backoff.Reset()
			a.serve(ctx, sess)
			if ctx.Err() != nil {
				return nil
			}
			err = sess.Err()
			a.log.Warn("session to relay server lost", "session_id", sess.ID(), "error", err)
			if errors.Is(err, tunnel.ErrSuperseded) {
				// another client holds this user now
				if !sleep(ctx, a.cfg.ReconnectMax) {
					return nil
				}
				continue
			}
		}

		delay, err := backoff.Wait(ctx)
		if err != nil {
			return nil
		}
		a.log.Debug("reconnecting to relay server", "after", delay, "attempt", backoff.Attempt())
	}
}

func (a *Agent) connect(ctx context.Context) (*mux.Session, error) {
	dialCtx := ctx
	if a.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, a.cfg.DialTimeout)
		defer cancel()
	}
	conn, err := tunnel.Dial(dialCtx, a.cfg.Transport, a.cfg.Server, a.cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.Server, err)
	}

	sess, err := mux.ClientHandshake(ctx, conn, a.cfg.Username, a.cfg.Password, a.cfg.Session, a)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	a.mu.Lock()
	if a.userID != 0 && a.userID != sess.UserID() {
		// the definitions we hold were synced for another user
		clear(a.tunnels)
	}
	a.sess = sess
	a.userID = sess.UserID()
	a.mu.Unlock()

	sess.Start()
	a.log.Info("connected to relay server",
		"server", a.cfg.Server,
		"transport", a.cfg.Transport,
		"session_id", sess.ID(),
		"user_id", sess.UserID())
	return sess, nil
}

// serve waits until sess ends or ctx is done.
func (a *Agent) serve(ctx context.Context, sess *mux.Session) {
	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.CloseWithReason(tunnel.ReasonNormal, "client shutting down")
		<-sess.Done()
	}

	a.mu.Lock()
	if a.sess == sess {
		a.sess = nil
	}
	a.mu.Unlock()
}

func (a *Agent) syncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.syncs:
			a.applySync(msg)
		}
	}
}

// applySync replaces the known tunnels and binds the ones this user enters.
func (a *Agent) applySync(msg *tunnel.TunnelSync) {
	a.mu.Lock()
	a.tunnels = make(map[uint32]tunnel.Definition, len(msg.Tunnels))
	for _, def := range msg.Tunnels {
		a.tunnels[def.ID] = def
	}
	a.version = msg.Version
	userID := a.userID
	a.mu.Unlock()

	var entered []tunnel.Definition
	for _, def := range msg.Tunnels {
		if def.EntryHost() == userID {
			entered = append(entered, def)
		}
	}

	failed := a.manager.Sync(entered)
	a.log.Info("tunnels synced",
		"version", msg.Version,
		"tunnels", len(msg.Tunnels),
		"bound", len(a.manager.Active()),
		"rejected", len(failed))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
