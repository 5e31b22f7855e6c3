package hostmetrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// DefaultCPUInterval is the window over which CPU utilisation is measured.
const DefaultCPUInterval = time.Second

type Memory struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

type DiskUsage struct {
	Mountpoint string  `json:"mountpoint"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	Percent    float64 `json:"percent"`
}

type Network struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// SystemMetrics is one host resource sample.
type SystemMetrics struct {
	CPUPercent float64     `json:"cpu_percent"`
	Memory     Memory      `json:"memory"`
	Disks      []DiskUsage `json:"disks"`
	Network    Network     `json:"network"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Zero returns an all-zero sample stamped with ts.
func Zero(ts time.Time) SystemMetrics {
	return SystemMetrics{Disks: []DiskUsage{}, Timestamp: ts}
}

// source is the set of OS counters read by a Sampler.
type source interface {
	cpuPercent(ctx context.Context, interval time.Duration) (float64, error)
	memory(ctx context.Context) (Memory, error)
	disks(ctx context.Context) ([]DiskUsage, error)
	network(ctx context.Context) (Network, error)
}

// Sampler reads host metrics through gopsutil.
type Sampler struct {
	CPUInterval time.Duration
	Logger      *slog.Logger

	src source
}

func NewSampler(cpuInterval time.Duration, logger *slog.Logger) *Sampler {
	if cpuInterval <= 0 {
		cpuInterval = DefaultCPUInterval
	}
	return &Sampler{CPUInterval: cpuInterval, Logger: logger}
}

// Sample collects one SystemMetrics. It never fails: a counter that cannot be
// read is left at zero and logged. The CPU reading blocks for CPUInterval.
func (s *Sampler) Sample(ctx context.Context) SystemMetrics {
	src := s.src
	if src == nil {
		src = gopsutilSource{}
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := s.CPUInterval
	if interval <= 0 {
		interval = DefaultCPUInterval
	}

	out := Zero(time.Now())
	if pct, err := src.cpuPercent(ctx, interval); err != nil {
		log.Warn("host cpu sample failed", "error", err)
	} else {
		out.CPUPercent = clampPercent(pct)
	}
	if m, err := src.memory(ctx); err != nil {
		log.Warn("host memory sample failed", "error", err)
	} else {
		out.Memory = m
	}
	if d, err := src.disks(ctx); err != nil {
		log.Warn("host disk sample failed", "error", err)
	} else if d != nil {
		sort.Slice(d, func(i, j int) bool { return d[i].Mountpoint < d[j].Mountpoint })
		out.Disks = d
	}
	if n, err := src.network(ctx); err != nil {
		log.Warn("host network sample failed", "error", err)
	} else {
		out.Network = n
	}
	out.Timestamp = time.Now()
	return out
}

func clampPercent(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

type gopsutilSource struct{}

func (gopsutilSource) cpuPercent(ctx context.Context, interval time.Duration) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

func (gopsutilSource) memory(ctx context.Context) (Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, err
	}
	return Memory{
		Total:     vm.Total,
		Available: vm.Available,
		Used:      vm.Used,
		Percent:   vm.UsedPercent,
	}, nil
}

// disks reports physical partitions only. Partitions whose usage cannot be
// read, or that report zero size, are skipped.
func (gopsutilSource) disks(ctx context.Context) ([]DiskUsage, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(parts))
	out := make([]DiskUsage, 0, len(parts))
	for _, p := range parts {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true
		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		out = append(out, DiskUsage{
			Mountpoint: p.Mountpoint,
			Total:      u.Total,
			Used:       u.Used,
			Free:       u.Free,
			Percent:    u.UsedPercent,
		})
	}
	return out, nil
}

func (gopsutilSource) network(ctx context.Context) (Network, error) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return Network{}, err
	}
	if len(counters) == 0 {
		return Network{}, nil
	}
	c := counters[0]
	return Network{
		BytesSent:   c.BytesSent,
		BytesRecv:   c.BytesRecv,
		PacketsSent: c.PacketsSent,
		PacketsRecv: c.PacketsRecv,
	}, nil
}
