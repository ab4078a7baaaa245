package forwarder

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	UDPIdleTimeout time.Duration
	Events         events.Sink
	Logger         *slog.Logger
}

type boundTunnel struct {
	def      tunnel.Definition
	listener Listener
}

// Manager keeps one listener per active tunnel this host enters.
type Manager struct {
	opener  Opener
	traffic *TrafficTable
	idle    time.Duration
	events  events.Sink
	log     *slog.Logger

	mu       sync.Mutex
	tunnels  map[uint32]*boundTunnel
	rejected map[uint32]string
}

// NewManager creates a manager whose listeners open streams with opener.
func NewManager(opener Opener, traffic *TrafficTable, cfg ManagerConfig) *Manager {
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if traffic == nil {
		traffic = NewTrafficTable()
	}
	return &Manager{
		opener:   opener,
		traffic:  traffic,
		idle:     cfg.UDPIdleTimeout,
		events:   cfg.Events,
		log:      cfg.Logger.With("component", "listeners"),
		tunnels:  make(map[uint32]*boundTunnel),
		rejected: make(map[uint32]string),
	}
}

// Sync makes the bound listeners match defs. Tunnels that are missing,
// disabled, invalid or conflicting are torn down or never bound; changed
// tunnels are rebound. It returns the activation error of every tunnel that
// could not be bound.
func (m *Manager) Sync(defs []tunnel.Definition) map[uint32]error {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := tunnel.DetectConflicts(defs)
	wanted := make(map[uint32]tunnel.Definition, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if _, bad := failed[def.ID]; bad {
			continue
		}
		if err := def.Validate(); err != nil {
			failed[def.ID] = err
			continue
		}
		wanted[def.ID] = def
	}

	for id, bt := range m.tunnels {
		def, ok := wanted[id]
		if ok && !m.definitionChanged(bt.def, def) {
			continue
		}
		m.stopTunnel(bt)
		delete(m.tunnels, id)
		if ok {
			m.log.Info("tunnel changed, rebinding", "tunnel_id", id)
		}
	}

	ids := make([]uint32, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, ok := m.tunnels[id]; ok {
			continue
		}
		def := wanted[id]
		listener, err := m.createListener(def)
		if err == nil {
			err = listener.Start()
		}
		if err != nil {
			failed[id] = fmt.Errorf("tunnel %d: %w", id, err)
			continue
		}
		m.tunnels[id] = &boundTunnel{def: def, listener: listener}
		m.events.Emit(events.Event{
			Kind:     events.TunnelActivated,
			TunnelID: id,
			Attrs: []slog.Attr{
				slog.String("source", listener.Addr().String()),
				slog.String("type", string(def.Type)),
			},
		})
	}

	for id, err := range failed {
		if m.rejected[id] == err.Error() {
			continue
		}
		m.events.Emit(events.Event{Kind: events.TunnelRejected, TunnelID: id, Err: err})
	}
	clear(m.rejected)
	for id, err := range failed {
		m.rejected[id] = err.Error()
	}
	return failed
}

func (m *Manager) definitionChanged(old, new tunnel.Definition) bool {
	return old != new
}

func (m *Manager) createListener(def tunnel.Definition) (Listener, error) {
	traffic := m.traffic.Get(def.ID)
	log := m.log.With("tunnel_id", def.ID)

	switch def.Type {
	case tunnel.TypeTCP:
		return NewTCPListener(def, m.opener, traffic, log), nil
	case tunnel.TypeUDP:
		return NewUDPListener(def, m.opener, traffic, m.idle, m.events, log), nil
	case tunnel.TypeSOCKS5:
		return NewSOCKSListener(def, m.opener, traffic, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", tunnel.ErrTunnelMisconfigured, def.Type)
	}
}

func (m *Manager) stopTunnel(bt *boundTunnel) {
	bt.listener.Stop()
	m.events.Emit(events.Event{Kind: events.TunnelDeactivated, TunnelID: bt.def.ID})
}

// Listener returns the bound listener of a tunnel.
func (m *Manager) Listener(id uint32) (Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bt, ok := m.tunnels[id]
	if !ok {
		return nil, false
	}
	return bt.listener, true
}

// Active returns the ids of bound tunnels in ascending order.
func (m *Manager) Active() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Traffic returns the per-tunnel counters shared by all listeners.
func (m *Manager) Traffic() *TrafficTable {
	return m.traffic
}

// Stop unbinds every tunnel.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, bt := range m.tunnels {
		m.stopTunnel(bt)
		delete(m.tunnels, id)
	}
}
