package agent

import (
	"context"
	"fmt"

	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/router"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// Open implements forwarder.Opener for the listeners the agent binds. The
// stream is opened on the live session; without one it fails with
// tunnel.ErrSessionLost.
func (a *Agent) Open(ctx context.Context, def *tunnel.Definition, target, source string) (*mux.Stream, error) {
	plan, err := router.Resolve(def, target)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	sess, userID := a.sess, a.userID
	a.mu.RUnlock()

	if plan.Entry != userID {
		return nil, fmt.Errorf("%w: tunnel %d is entered by user %d", tunnel.ErrTunnelMisconfigured, def.ID, plan.Entry)
	}
	if sess == nil || sess.State() >= mux.StateDraining {
		return nil, fmt.Errorf("tunnel %d: %w", def.ID, tunnel.ErrSessionLost)
	}

	req, pipeline, err := plan.OpenRequest(source)
	if err != nil {
		return nil, err
	}
	return sess.OpenStream(ctx, req, pipeline)
}

// HandleOpen serves a stream the server opened towards an endpoint this
// user is the sender of.
func (a *Agent) HandleOpen(sess *mux.Session, st *mux.Stream) {
	req := st.Request()
	log := a.log.With("tunnel_id", req.TunnelID, "stream_id", st.ID())

	def, err := a.admit(sess, req)
	if err != nil {
		log.Warn("refusing open", "error", err)
		st.Reject(tunnel.ReasonOf(err))
		return
	}
	plan, err := router.ResolveExit(&def, req.Target)
	if err != nil {
		log.Warn("resolve tunnel", "error", err)
		st.Reject(tunnel.ReasonOf(err))
		return
	}
	a.exit.Serve(st, plan.Target)
}

// admit accepts only RelayToEndpoint opens for enabled tunnels this user
// sends.
func (a *Agent) admit(sess *mux.Session, req tunnel.OpenRequest) (tunnel.Definition, error) {
	if req.Direction != tunnel.RelayToEndpoint {
		return tunnel.Definition{}, fmt.Errorf("%w: %s open", tunnel.ErrRefused, req.Direction)
	}
	def, ok := a.Tunnel(req.TunnelID)
	switch {
	case !ok:
		return def, fmt.Errorf("%w: unknown tunnel %d", tunnel.ErrTunnelMisconfigured, req.TunnelID)
	case !def.Enabled:
		return def, fmt.Errorf("%w: tunnel %d is disabled", tunnel.ErrTunnelMisconfigured, req.TunnelID)
	case def.Sender != sess.UserID():
		return def, fmt.Errorf("%w: tunnel %d is sent by user %d", tunnel.ErrRefused, req.TunnelID, def.Sender)
	}
	return def, nil
}

// HandleSync queues msg for the sync loop. An older queued sync is replaced.
func (a *Agent) HandleSync(sess *mux.Session, msg *tunnel.TunnelSync) {
	if a.Session() != sess {
		return
	}
	for {
		select {
		case a.syncs <- msg:
			return
		default:
		}
		select {
		case <-a.syncs:
		default:
		}
	}
}
