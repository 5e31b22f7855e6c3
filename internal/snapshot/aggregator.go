package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/svcwatch/internal/hostmetrics"
	"github.com/loykin/svcwatch/internal/metrics"
	"github.com/loykin/svcwatch/internal/probe"
	"github.com/loykin/svcwatch/internal/service"
	"github.com/loykin/svcwatch/internal/supervisor"
)

// DefaultConcurrency caps simultaneous health probes.
const DefaultConcurrency = 8

// SupervisorLister returns the supervisor's status table; failures yield an
// empty slice.
type SupervisorLister interface {
	List(ctx context.Context) []supervisor.Record
}

// Prober checks one health endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) probe.Result
}

// HostSampler reads host resource metrics.
type HostSampler interface {
	Sample(ctx context.Context) hostmetrics.SystemMetrics
}

// Aggregator builds snapshots from the three sources. It holds no state
// between calls, so concurrent Aggregate calls are independent.
type Aggregator struct {
	Catalog     *service.Catalog
	Supervisor  SupervisorLister
	Prober      Prober
	Host        HostSampler
	Concurrency int
	Logger      *slog.Logger
}

// Aggregate queries the supervisor once, probes every service and samples the
// host, all concurrently, then merges the results in catalog order. A source
// that fails or panics contributes its default value instead.
func (a *Aggregator) Aggregate(ctx context.Context) *Snapshot {
	start := time.Now()
	var system hostmetrics.SystemMetrics

	var g errgroup.Group
	g.Go(func() error {
		system = a.sampleHost(ctx)
		return nil
	})
	services := a.Services(ctx)
	_ = g.Wait()

	snap := &Snapshot{Services: services, System: system, Timestamp: time.Now()}
	a.record(snap, time.Since(start))
	return snap
}

// Services runs the supervisor query and the health probes concurrently and
// returns the merged statuses in catalog order, without sampling the host.
func (a *Aggregator) Services(ctx context.Context) []ServiceStatus {
	defs := a.Catalog.All()
	results := make([]probe.Result, len(defs))
	var records []supervisor.Record

	var g errgroup.Group
	g.Go(func() error {
		records = a.listSupervisor(ctx)
		return nil
	})

	limit := a.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	probes := new(errgroup.Group)
	probes.SetLimit(limit)
	for i, d := range defs {
		probes.Go(func() error {
			// each probe owns slot i, so output order never depends on completion order
			results[i] = a.probe(ctx, d)
			return nil
		})
	}
	_ = probes.Wait()
	_ = g.Wait()

	byName := supervisor.Index(records)
	out := make([]ServiceStatus, len(defs))
	for i, d := range defs {
		var rec *supervisor.Record
		if r, ok := byName[d.ID]; ok {
			rec = &r
		}
		out[i] = Merge(d, rec, results[i])
	}
	return out
}

// System samples host metrics only.
func (a *Aggregator) System(ctx context.Context) hostmetrics.SystemMetrics {
	return a.sampleHost(ctx)
}

func (a *Aggregator) listSupervisor(ctx context.Context) (recs []supervisor.Record) {
	defer func() {
		if r := recover(); r != nil {
			a.logger().Error("supervisor query panicked", "panic", r)
			metrics.IncSupervisorFailure("panic")
			recs = nil
		}
	}()
	if a.Supervisor == nil {
		return nil
	}
	return a.Supervisor.List(ctx)
}

func (a *Aggregator) sampleHost(ctx context.Context) (m hostmetrics.SystemMetrics) {
	defer func() {
		if r := recover(); r != nil {
			a.logger().Error("host sample panicked", "panic", r)
			m = hostmetrics.Zero(time.Now())
		}
	}()
	if a.Host == nil {
		return hostmetrics.Zero(time.Now())
	}
	return a.Host.Sample(ctx)
}

func (a *Aggregator) probe(ctx context.Context, d service.Definition) (res probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger().Error("health probe panicked", "service", d.ID, "panic", r)
			res = probe.Failed(probe.StatusError, fmt.Sprintf("probe panicked: %v", r))
		}
	}()
	if a.Prober == nil {
		return probe.Failed(probe.StatusError, "no prober configured")
	}
	return a.Prober.Probe(ctx, d.HealthURL)
}

func (a *Aggregator) record(s *Snapshot, took time.Duration) {
	all := make([]string, len(probe.Statuses))
	for i, st := range probe.Statuses {
		all[i] = string(st)
	}
	for _, st := range s.Services {
		metrics.SetServiceHealth(st.ID, string(st.Health.Status), all)
		if st.Health.Responded() {
			metrics.ObserveProbeLatency(st.ID, st.Health.Latency().Seconds())
		}
		metrics.SetServiceUsage(st.ID, st.CPU, st.Memory, st.Restarts)
	}
	metrics.SetHostUsage(s.System.CPUPercent, s.System.Memory.Percent)
	a.logger().Debug("snapshot aggregated", "services", len(s.Services), "took", took)
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
