// Package router decides which session hosts a relayed connection and
// serves the streams clients open towards the server.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/forwarder"
	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// Plan is the resolved path of one connection accepted on a tunnel source.
type Plan struct {
	Tunnel tunnel.Definition
	// Entry is the user id hosting the listener, 0 for the server.
	Entry uint32
	// Exit is the user id dialing the endpoint, 0 for the server.
	Exit uint32
	// Direction is carried by the Open the entry side sends.
	Direction tunnel.Direction
	// Target is the endpoint after custom mapping.
	Target string
}

// Resolve plans a connection on def's source. target is the negotiated
// SOCKS5 CONNECT target and is ignored for TCP and UDP tunnels.
func Resolve(def *tunnel.Definition, target string) (Plan, error) {
	return resolve(def, target, false)
}

// ResolveExit plans the exit side of an Open. A SOCKS5 target arrives already
// mapped by the entry and is kept as is; TCP and UDP tunnels dial their own
// mapped endpoint.
func ResolveExit(def *tunnel.Definition, target string) (Plan, error) {
	return resolve(def, target, true)
}

func resolve(def *tunnel.Definition, target string, mapped bool) (Plan, error) {
	if err := def.Validate(); err != nil {
		return Plan{}, err
	}
	if !def.Enabled {
		return Plan{}, fmt.Errorf("%w: tunnel %d is disabled", tunnel.ErrTunnelMisconfigured, def.ID)
	}

	switch {
	case def.Type != tunnel.TypeSOCKS5:
		target = def.MapTarget(def.Endpoint)
	case !validTarget(target):
		return Plan{}, fmt.Errorf("%w: tunnel %d target %q", tunnel.ErrTunnelMisconfigured, def.ID, target)
	case !mapped:
		target = def.MapTarget(target)
	}

	p := Plan{
		Tunnel:    *def,
		Entry:     def.EntryHost(),
		Exit:      def.ExitHost(),
		Direction: tunnel.RelayToEndpoint,
		Target:    target,
	}
	if p.Entry != tunnel.ServerUserID && p.Exit != tunnel.ServerUserID {
		p.Direction = tunnel.RelayToPeer
	}
	return p, nil
}

// OpenRequest builds the Open payload for the plan and the pipeline the
// entry side uses for it. A fresh key seed is generated per stream.
func (p Plan) OpenRequest(source string) (tunnel.OpenRequest, *tunnel.Pipeline, error) {
	method, err := p.Tunnel.Method()
	if err != nil {
		return tunnel.OpenRequest{}, nil, err
	}
	req := tunnel.OpenRequest{
		TunnelID:   p.Tunnel.ID,
		Direction:  p.Direction,
		Network:    p.Tunnel.Network(),
		Compressed: p.Tunnel.Compressed,
		Method:     method,
		Target:     p.Target,
		Source:     source,
	}
	if method != tunnel.MethodNone {
		if req.Key, err = tunnel.GenerateKeySeed(); err != nil {
			return tunnel.OpenRequest{}, nil, err
		}
	}
	pipeline, err := tunnel.PipelineFor(&req)
	if err != nil {
		return tunnel.OpenRequest{}, nil, err
	}
	return req, pipeline, nil
}

// Sessions finds the live session of a user.
type Sessions interface {
	Lookup(userID uint32) (*mux.Session, bool)
}

// Tunnels finds tunnel definitions by id.
type Tunnels interface {
	Tunnel(id uint32) (tunnel.Definition, bool)
}

// Router routes streams on the server. It opens streams for listeners the
// server hosts and serves the streams clients open.
type Router struct {
	sessions Sessions
	tunnels  Tunnels
	exit     *forwarder.Exit
	events   events.Sink
	log      *slog.Logger
}

// New creates a server router. exit dials endpoints of tunnels whose sender
// is the server.
func New(sessions Sessions, tunnels Tunnels, exit *forwarder.Exit, sink events.Sink, log *slog.Logger) *Router {
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		sessions: sessions,
		tunnels:  tunnels,
		exit:     exit,
		events:   sink,
		log:      log.With("component", "router"),
	}
}

// Open implements forwarder.Opener for listeners bound by the server. It
// fails with tunnel.ErrPeerOffline when the exit user has no live session.
func (r *Router) Open(ctx context.Context, def *tunnel.Definition, target, source string) (*mux.Stream, error) {
	plan, err := Resolve(def, target)
	if err != nil {
		return nil, err
	}
	if plan.Entry != tunnel.ServerUserID {
		return nil, fmt.Errorf("%w: tunnel %d is entered by user %d", tunnel.ErrTunnelMisconfigured, def.ID, plan.Entry)
	}

	sess, err := r.exitSession(def.ID, plan.Exit, source)
	if err != nil {
		return nil, err
	}
	req, pipeline, err := plan.OpenRequest(source)
	if err != nil {
		return nil, err
	}
	return sess.OpenStream(ctx, req, pipeline)
}

// HandleOpen serves a stream a client opened as the entry of a tunnel.
func (r *Router) HandleOpen(sess *mux.Session, st *mux.Stream) {
	req := st.Request()
	log := r.log.With("tunnel_id", req.TunnelID, "user_id", sess.UserID(), "stream_id", st.ID())

	def, ok := r.tunnels.Tunnel(req.TunnelID)
	switch {
	case !ok || !def.Enabled:
		log.Debug("open for unknown or disabled tunnel")
		st.Reject(tunnel.ReasonTunnelMisconfigured)
		return
	case def.Receiver != sess.UserID():
		log.Warn("open from a user that is not the tunnel receiver", "receiver", def.Receiver)
		st.Reject(tunnel.ReasonRefused)
		return
	}

	plan, err := ResolveExit(&def, req.Target)
	if err != nil {
		log.Warn("resolve tunnel", "error", err)
		st.Reject(tunnel.ReasonOf(err))
		return
	}
	if plan.Direction != req.Direction {
		log.Warn("open direction does not match tunnel", "direction", req.Direction, "want", plan.Direction)
		st.Reject(tunnel.ReasonRefused)
		return
	}

	switch plan.Direction {
	case tunnel.RelayToEndpoint:
		r.exit.Serve(st, plan.Target)
	case tunnel.RelayToPeer:
		r.bridge(st, plan, req, log)
	}
}

// HandleSync ignores syncs; clients never send them.
func (r *Router) HandleSync(sess *mux.Session, _ *tunnel.TunnelSync) {
	r.log.Debug("ignoring tunnel sync from client", "user_id", sess.UserID())
}

// bridge opens the exit leg on the sender's session and splices it to the
// entry stream. The payload passes through untouched so the key stays
// between the two clients.
func (r *Router) bridge(entry *mux.Stream, plan Plan, req tunnel.OpenRequest, log *slog.Logger) {
	sess, err := r.exitSession(plan.Tunnel.ID, plan.Exit, req.Source)
	if err != nil {
		entry.Reject(tunnel.ReasonPeerOffline)
		return
	}

	out := req
	out.Direction = tunnel.RelayToEndpoint
	out.Target = plan.Target

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-entry.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	exit, err := sess.OpenStream(ctx, out, nil)
	if err != nil {
		log.Debug("open exit leg", "exit", plan.Exit, "error", err)
		entry.Reject(tunnel.ReasonOf(err))
		return
	}
	if err := entry.Accept(nil); err != nil {
		exit.Abort(tunnel.ReasonOf(err))
		return
	}
	forwarder.Bridge(entry, exit, r.exit.Traffic().Get(plan.Tunnel.ID))
}

func validTarget(target string) bool {
	_, _, err := net.SplitHostPort(target)
	return err == nil
}

func (r *Router) exitSession(tunnelID, userID uint32, source string) (*mux.Session, error) {
	sess, ok := r.sessions.Lookup(userID)
	if !ok {
		err := fmt.Errorf("tunnel %d: user %d: %w", tunnelID, userID, tunnel.ErrPeerOffline)
		r.events.Emit(events.Event{
			Kind:     events.PeerOffline,
			UserID:   userID,
			TunnelID: tunnelID,
			Remote:   source,
			Err:      err,
		})
		return nil, err
	}
	return sess, nil
}
