package agent

import (
	"context"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
)

func (a *Agent) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportStats(ctx)
		}
	}
}

func (a *Agent) reportStats(ctx context.Context) {
	st, err := a.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("collect stats", "error", err)
		}
		return
	}

	sessions, streams := 0, 0
	if sess := a.Session(); sess != nil {
		sessions, streams = 1, sess.NumStreams()
	}
	upload, download := a.drainTraffic("tunnel traffic")

	a.collector.SetActiveStats(st, sessions, streams, len(a.manager.Active()))
	a.collector.SetTraffic(st, upload, download)
	a.events.Emit(events.Event{Kind: events.HostStats, UserID: a.UserID(), Attrs: st.Attrs()})
}

// drainTraffic logs and resets the per-tunnel counters and returns the
// totals.
func (a *Agent) drainTraffic(msg string) (upload, download int64) {
	for _, item := range a.manager.Traffic().Snapshot() {
		upload += item.Upload
		download += item.Download
		a.log.Debug(msg,
			"tunnel_id", item.TunnelID,
			"upload_bytes", item.Upload,
			"download_bytes", item.Download)
	}
	return upload, download
}

func (a *Agent) reportFinalTraffic() {
	upload, download := a.drainTraffic("final tunnel traffic")
	if upload == 0 && download == 0 {
		return
	}
	a.log.Info("final traffic",
		"upload_bytes", upload,
		"download_bytes", download)
}
