package forwarder

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

const defaultDialTimeout = 10 * time.Second

// ExitConfig configures an Exit.
type ExitConfig struct {
	DialTimeout    time.Duration
	UDPIdleTimeout time.Duration
	Events         events.Sink
	Logger         *slog.Logger
}

// Exit dials tunnel endpoints for streams arriving on the exit side and
// relays them.
type Exit struct {
	dialer  net.Dialer
	idle    time.Duration
	traffic *TrafficTable
	events  events.Sink
	log     *slog.Logger
}

// NewExit creates an exit that records traffic in traffic.
func NewExit(cfg ExitConfig, traffic *TrafficTable) *Exit {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.UDPIdleTimeout <= 0 {
		cfg.UDPIdleTimeout = udpIdleTimeout
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if traffic == nil {
		traffic = NewTrafficTable()
	}
	return &Exit{
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
		idle:    cfg.UDPIdleTimeout,
		traffic: traffic,
		events:  cfg.Events,
		log:     cfg.Logger.With("component", "exit"),
	}
}

// Traffic returns the per-tunnel counters of the exit.
func (e *Exit) Traffic() *TrafficTable {
	return e.traffic
}

// Serve dials target for st and relays until either side ends. A failed
// dial rejects the stream with DialFailed. The stream's own request decides
// the network and pipeline.
func (e *Exit) Serve(st *mux.Stream, target string) {
	req := st.Request()
	log := e.log.With("tunnel_id", req.TunnelID, "stream_id", st.ID(), "target", target)

	pipeline, err := tunnel.PipelineFor(&req)
	if err != nil {
		log.Warn("build pipeline", "error", err)
		st.Reject(tunnel.ReasonOf(err))
		return
	}

	conn, err := e.dialer.Dial(req.Network.String(), target)
	if err != nil {
		log.Warn("dial target failed", "error", err)
		st.Reject(tunnel.ReasonDialFailed)
		return
	}
	if err := st.Accept(pipeline); err != nil {
		conn.Close()
		return
	}

	traffic := e.traffic.Get(req.TunnelID)
	if req.Network == tunnel.NetworkUDP {
		e.relayDatagrams(conn, st, traffic, log)
		return
	}
	// bytes read from the endpoint flow back to the source
	Relay(conn, st, traffic.AddDownload, traffic.AddUpload)
}

// relayDatagrams relays one UDP flow. The endpoint socket is closed after
// the idle timeout.
func (e *Exit) relayDatagrams(conn net.Conn, st *mux.Stream, traffic *TrafficCounter, log *slog.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			datagram, err := st.ReadDatagram()
			if err != nil {
				conn.Close()
				return
			}
			if _, err := conn.Write(datagram); err != nil {
				log.Debug("udp write to target failed", "error", err)
				continue
			}
			traffic.AddUpload(int64(len(datagram)))
		}
	}()

	buf := make([]byte, udpMaxPacketSize)
	for {
		conn.SetReadDeadline(time.Now().Add(e.idle))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				st.Abort(tunnel.ReasonIdleTimeout)
			} else {
				st.Close()
			}
			break
		}
		if err := st.WriteDatagram(buf[:n]); err != nil {
			if errors.Is(err, mux.ErrNoCredit) || errors.Is(err, mux.ErrDatagramTooLarge) {
				e.events.Emit(events.Event{Kind: events.DatagramDropped, TunnelID: st.TunnelID(), StreamID: st.ID(), Bytes: int64(n), Err: err})
				continue
			}
			break
		}
		traffic.AddDownload(int64(n))
	}
	conn.Close()
	st.Close()
	<-done
}
