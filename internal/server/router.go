package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/loykin/svcwatch/internal/broadcast"
	"github.com/loykin/svcwatch/internal/metrics"
)

// Router serves the monitoring API on top of a Broadcaster.
// Endpoints (relative to basePath):
//
//	GET /health, /ready               liveness of the monitor itself
//	GET /api/snapshot[?service=id]    fresh snapshot
//	GET /api/services[/:id]           fresh service statuses
//	GET /api/system                   fresh host metrics
//	GET /api/logs/:id                 log tail, query: lines=100&type=output|error
//	GET /api/logs/:id/follow          SSE stream of appended log lines
//	GET /api/monitor                  broadcast loop statistics
//	GET /ws                           websocket live updates
//	GET /metrics                      Prometheus exposition (optional)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	b        *broadcast.Broadcaster
	basePath string
	logger   *slog.Logger
	limiter  *RateLimiter
	metrics  http.Handler
	hub      *Hub
	ready    func() bool
}

type Options struct {
	BasePath string
	Logger   *slog.Logger
	// RateLimit and Burst limit one-shot API requests per client IP; 0 disables.
	RateLimit float64
	Burst     int
	// Metrics, when non-nil, is served at /metrics.
	Metrics prometheus.Gatherer
	// Ready reports readiness for /ready; nil means always ready.
	Ready func() bool
}

// NewRouter constructs a Router. Call Close to release its background resources.
func NewRouter(b *broadcast.Broadcaster, opts Options) *Router {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	r := &Router{
		b:        b,
		basePath: sanitizeBase(opts.BasePath),
		logger:   lg,
		hub:      NewHub(b, lg),
		ready:    opts.Ready,
	}
	if opts.RateLimit > 0 {
		r.limiter = NewRateLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}
	if opts.Metrics != nil {
		r.metrics = metrics.HandlerFor(opts.Metrics)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(r.logger), SecurityHeaders(), CORS())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/ready", r.handleReady)
	group.GET("/ws", r.hub.Handle)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}

	api := group.Group("/api")
	if r.limiter != nil {
		api.Use(r.limiter.Middleware())
	}
	api.GET("/snapshot", r.handleSnapshot)
	api.GET("/services", r.handleServices)
	api.GET("/services/:id", r.handleService)
	api.GET("/system", r.handleSystem)
	api.GET("/logs/:id", r.handleLogs)
	api.GET("/logs/:id/follow", r.handleFollow)
	api.GET("/monitor", r.handleMonitor)
	return g
}

// Close disconnects websocket clients and stops the rate limiter janitor.
func (r *Router) Close() {
	r.hub.Close()
	if r.limiter != nil {
		r.limiter.Stop()
	}
}

// NewServer returns an http.Server for handler. tlsCfg may be nil.
func NewServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: websocket and SSE responses are long-lived
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
