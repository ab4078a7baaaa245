// Package status samples host resource usage for the periodic stats report.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Stats is one sample of host and relay state.
type Stats struct {
	CPUPercent     float64
	MemoryPercent  float64
	MemoryUsed     uint64
	MemoryTotal    uint64
	DiskPercent    float64
	UptimeSeconds  int64
	ProcessUptime  time.Duration
	TCPConnections int
	UDPConnections int

	Sessions      int
	Streams       int
	ActiveTunnels int
	UploadBytes   int64
	DownloadBytes int64
}

// Collector collects system status information.
type Collector struct {
	startTime time.Time
	diskPath  string
}

// NewCollector creates a new status collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		diskPath:  "/",
	}
}

// Collect gathers current system status. Probes that fail leave their fields
// zero.
func (c *Collector) Collect(ctx context.Context) (*Stats, error) {
	st := &Stats{ProcessUptime: time.Since(c.startTime)}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPercent) > 0 {
		st.CPUPercent = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		st.MemoryPercent = memInfo.UsedPercent
		st.MemoryUsed = memInfo.Used
		st.MemoryTotal = memInfo.Total
	}

	diskInfo, err := disk.UsageWithContext(ctx, c.diskPath)
	if err == nil {
		st.DiskPercent = diskInfo.UsedPercent
	}

	bootTime, err := host.BootTimeWithContext(ctx)
	if err == nil {
		st.UptimeSeconds = time.Now().Unix() - int64(bootTime)
	}

	conns, err := net.ConnectionsWithContext(ctx, "all")
	if err == nil {
		for _, conn := range conns {
			switch conn.Type {
			case 1: // SOCK_STREAM
				st.TCPConnections++
			case 2: // SOCK_DGRAM
				st.UDPConnections++
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

// SetActiveStats sets the relay counters of a sample.
func (c *Collector) SetActiveStats(st *Stats, sessions, streams, tunnels int) {
	st.Sessions = sessions
	st.Streams = streams
	st.ActiveTunnels = tunnels
}

// SetTraffic sets the bytes relayed since the previous sample.
func (c *Collector) SetTraffic(st *Stats, upload, download int64) {
	st.UploadBytes = upload
	st.DownloadBytes = download
}

// Attrs renders the sample as log attributes.
func (s *Stats) Attrs() []slog.Attr {
	return []slog.Attr{
		slog.String("cpu", fmt.Sprintf("%.1f%%", s.CPUPercent)),
		slog.String("mem", fmt.Sprintf("%.1f%%", s.MemoryPercent)),
		slog.Uint64("mem_used", s.MemoryUsed),
		slog.String("disk", fmt.Sprintf("%.1f%%", s.DiskPercent)),
		slog.Int("tcp_conns", s.TCPConnections),
		slog.Int("udp_conns", s.UDPConnections),
		slog.Int("sessions", s.Sessions),
		slog.Int("streams", s.Streams),
		slog.Int("tunnels", s.ActiveTunnels),
		slog.Int64("upload_bytes", s.UploadBytes),
		slog.Int64("download_bytes", s.DownloadBytes),
		slog.Duration("uptime", s.ProcessUptime.Round(time.Second)),
	}
}
