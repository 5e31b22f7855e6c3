package svcwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/svcwatch/internal/broadcast"
	"github.com/loykin/svcwatch/internal/config"
	"github.com/loykin/svcwatch/internal/hostmetrics"
	"github.com/loykin/svcwatch/internal/metrics"
	"github.com/loykin/svcwatch/internal/probe"
	"github.com/loykin/svcwatch/internal/server"
	"github.com/loykin/svcwatch/internal/service"
	"github.com/loykin/svcwatch/internal/snapshot"
	"github.com/loykin/svcwatch/internal/supervisor"
	tlsx "github.com/loykin/svcwatch/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Definition = service.Definition

type Snapshot = snapshot.Snapshot

type ServiceStatus = snapshot.ServiceStatus

type SystemMetrics = hostmetrics.SystemMetrics

type HealthResult = probe.Result

type LogRequest = broadcast.LogRequest

type LogResult = broadcast.LogResult

type Observer = broadcast.Observer

type ObserverFunc = broadcast.ObserverFunc

type Stats = broadcast.Stats

var ErrServiceNotFound = service.ErrServiceNotFound

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() (*Config, error) { return config.Default() }

// Monitor wires the supervisor query, health prober and host sampler into a
// broadcaster and exposes it over HTTP.
type Monitor struct {
	cfg     *Config
	logger  *slog.Logger
	catalog *service.Catalog
	b       *broadcast.Broadcaster

	mu     sync.Mutex
	router *server.Router
}

// New builds a Monitor from cfg. logger may be nil.
func New(cfg *Config, logger *slog.Logger) (*Monitor, error) {
	if cfg == nil {
		return nil, errors.New("svcwatch: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	environ, err := cfg.Supervisor.Environ()
	if err != nil {
		return nil, err
	}

	sup := supervisor.NewCommand(cfg.Supervisor.Command, cfg.Supervisor.Args, cfg.Supervisor.Timeout, logger)
	sup.Env = environ
	agg := &snapshot.Aggregator{
		Catalog:     catalog,
		Supervisor:  sup,
		Prober:      probe.New(cfg.Monitor.ProbeTimeout),
		Host:        hostmetrics.NewSampler(cfg.Monitor.CPUInterval, logger),
		Concurrency: cfg.Monitor.Concurrency,
		Logger:      logger,
	}
	b := broadcast.New(agg, catalog, broadcast.Options{
		Interval:     cfg.Monitor.Interval,
		DefaultLines: cfg.Logs.DefaultLines,
		MaxLines:     cfg.Logs.MaxLines,
		Logger:       logger,
	})
	return &Monitor{cfg: cfg, logger: logger, catalog: catalog, b: b}, nil
}

func (m *Monitor) Config() *Config { return m.cfg }

// Definitions returns the configured services in catalog order.
func (m *Monitor) Definitions() []Definition { return m.catalog.All() }

func (m *Monitor) Snapshot(ctx context.Context) *Snapshot { return m.b.Snapshot(ctx) }

func (m *Monitor) Services(ctx context.Context) []ServiceStatus { return m.b.Services(ctx) }

func (m *Monitor) Service(ctx context.Context, id string) (ServiceStatus, error) {
	return m.b.Service(ctx, id)
}

func (m *Monitor) System(ctx context.Context) SystemMetrics { return m.b.System(ctx) }

func (m *Monitor) Logs(ctx context.Context, req LogRequest) (LogResult, error) {
	return m.b.Logs(ctx, req)
}

// Subscribe registers o for every broadcast snapshot.
func (m *Monitor) Subscribe(o Observer) (unsubscribe func()) { return m.b.Subscribe(o) }

// Latest returns the snapshot of the most recent cycle, or nil before the first.
func (m *Monitor) Latest() *Snapshot { return m.b.Latest() }

func (m *Monitor) Stats() Stats { return m.b.Stats() }

// Start runs the broadcast loop in the background until ctx is done or Stop.
func (m *Monitor) Start(ctx context.Context) error { return m.b.Start(ctx) }

// Stop ends the broadcast loop and disconnects websocket clients.
func (m *Monitor) Stop() {
	m.b.Stop()
	m.mu.Lock()
	r := m.router
	m.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Handler returns the HTTP API. /metrics is mounted when metrics are enabled
// without a dedicated listener.
func (m *Monitor) Handler() http.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.router == nil {
		opts := server.Options{
			BasePath:  m.cfg.Server.BasePath,
			Logger:    m.logger,
			RateLimit: m.cfg.RateLimit.RPS,
			Burst:     m.cfg.RateLimit.Burst,
			Ready:     func() bool { return m.b.Stats().Running },
		}
		if m.cfg.Metrics.Enabled && m.cfg.Metrics.Listen == "" {
			opts.Metrics = prometheus.DefaultGatherer
		}
		m.router = server.NewRouter(m.b, opts)
	}
	return m.router.Handler()
}

// Serve starts the broadcast loop and the HTTP server(s) and blocks until ctx
// is done or a listener fails.
func (m *Monitor) Serve(ctx context.Context) error {
	tlsCfg, err := tlsx.Setup(m.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	g, gctx := errgroup.WithContext(ctx)
	api := server.NewServer(m.cfg.Server.Listen, m.Handler(), tlsCfg)
	g.Go(func() error { return server.Serve(gctx, api) })
	m.logger.Info("svcwatch listening",
		"listen", m.cfg.Server.Listen,
		"base_path", m.cfg.Server.BasePath,
		"tls", tlsCfg != nil,
		"services", len(m.catalog.All()))

	if m.cfg.Metrics.Enabled && m.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		ms := server.NewServer(m.cfg.Metrics.Listen, mux, nil)
		g.Go(func() error { return server.Serve(gctx, ms) })
		m.logger.Info("metrics listening", "listen", m.cfg.Metrics.Listen)
	}
	return g.Wait()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
