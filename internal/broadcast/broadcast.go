package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcwatch/internal/hostmetrics"
	"github.com/loykin/svcwatch/internal/metrics"
	"github.com/loykin/svcwatch/internal/service"
	"github.com/loykin/svcwatch/internal/snapshot"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultLines    = 100
	DefaultMaxLines = 5000
)

var (
	ErrServiceNotFound = service.ErrServiceNotFound
	ErrInvalidLogKind  = errors.New("invalid log type")
	ErrInvalidLines    = errors.New("invalid line count")
	ErrObserverBusy    = errors.New("observer busy, snapshot dropped")
	ErrAlreadyRunning  = errors.New("broadcaster already running")
)

// Source produces fresh, independent results on every call.
type Source interface {
	Aggregate(ctx context.Context) *snapshot.Snapshot
	Services(ctx context.Context) []snapshot.ServiceStatus
	System(ctx context.Context) hostmetrics.SystemMetrics
}

// Observer receives every snapshot produced after it subscribed. Notify is
// called from the broadcast goroutine and must not block for long.
type Observer interface {
	Notify(s *snapshot.Snapshot) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s *snapshot.Snapshot) error

func (f ObserverFunc) Notify(s *snapshot.Snapshot) error { return f(s) }

type Options struct {
	Interval     time.Duration
	DefaultLines int
	MaxLines     int
	Logger       *slog.Logger
}

type entry struct {
	id  uint64
	obs Observer
}

// Broadcaster runs the periodic aggregation cycle and fans each snapshot out
// to subscribed observers. One-shot requests bypass the cycle entirely.
type Broadcaster struct {
	src          Source
	catalog      *service.Catalog
	interval     time.Duration
	defaultLines int
	maxLines     int
	logger       *slog.Logger

	mu        sync.RWMutex
	observers []entry
	nextID    uint64

	running  atomic.Bool
	cycling  atomic.Bool
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	ticks     atomic.Uint64
	overruns  atomic.Uint64
	lastCycle atomic.Int64
	lastTick  atomic.Int64
	latest    atomic.Pointer[snapshot.Snapshot]
}

func New(src Source, catalog *service.Catalog, opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	if opts.DefaultLines <= 0 {
		opts.DefaultLines = DefaultLines
	}
	if opts.DefaultLines > opts.MaxLines {
		opts.DefaultLines = opts.MaxLines
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		src:          src,
		catalog:      catalog,
		interval:     opts.Interval,
		defaultLines: opts.DefaultLines,
		maxLines:     opts.MaxLines,
		logger:       opts.Logger,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Interval returns the cycle period.
func (b *Broadcaster) Interval() time.Duration { return b.interval }

// Catalog returns the monitored services.
func (b *Broadcaster) Catalog() *service.Catalog { return b.catalog }

// Subscribe registers o for every subsequent tick. It does not trigger a
// delivery. The returned function removes o and is safe to call more than once.
func (b *Broadcaster) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, entry{id: id, obs: o})
	n := len(b.observers)
	b.mu.Unlock()
	metrics.SetObservers(n)

	var once sync.Once
	return func() { once.Do(func() { b.remove(id) }) }
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	for i, e := range b.observers {
		if e.id == id {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			break
		}
	}
	n := len(b.observers)
	b.mu.Unlock()
	metrics.SetObservers(n)
}

// Observers returns the number of current subscriptions.
func (b *Broadcaster) Observers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Subscription is a channel-backed observer. When its buffer is full the
// snapshot is dropped rather than blocking the cycle.
type Subscription struct {
	C     <-chan *snapshot.Snapshot
	ch    chan *snapshot.Snapshot
	close func()
}

func (s *Subscription) Notify(snap *snapshot.Snapshot) error {
	select {
	case s.ch <- snap:
		return nil
	default:
		return ErrObserverBusy
	}
}

// Close unsubscribes. C is left open; no values are sent after Close returns
// and the current tick's delivery has finished.
func (s *Subscription) Close() { s.close() }

// SubscribeChan subscribes a buffered channel of the given capacity (min 1).
func (b *Broadcaster) SubscribeChan(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *snapshot.Snapshot, buffer)
	s := &Subscription{C: ch, ch: ch}
	s.close = b.Subscribe(s)
	return s
}

// Start runs the cycle loop in a background goroutine.
func (b *Broadcaster) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go b.loop(ctx)
	return nil
}

// Run runs the cycle loop until ctx is done or Stop is called.
func (b *Broadcaster) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	b.loop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.quit) })
	if b.running.Load() {
		<-b.done
	}
}

func (b *Broadcaster) loop(ctx context.Context) {
	defer close(b.done)
	t := time.NewTicker(b.interval)
	defer t.Stop()
	b.logger.Info("broadcaster started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcaster stopped", "reason", ctx.Err())
			return
		case <-b.quit:
			b.logger.Info("broadcaster stopped")
			return
		case <-t.C:
			b.Tick(ctx)
			// a slow cycle must not be followed by a burst of catch-up cycles
			select {
			case <-t.C:
			default:
			}
		}
	}
}

// Tick runs one aggregation cycle and delivers its snapshot to every
// observer registered at delivery time. It returns nil without aggregating
// when another cycle is still in flight.
func (b *Broadcaster) Tick(ctx context.Context) *snapshot.Snapshot {
	if !b.cycling.CompareAndSwap(false, true) {
		b.logger.Debug("cycle skipped, previous cycle still running")
		return nil
	}
	defer b.cycling.Store(false)

	start := time.Now()
	snap := b.src.Aggregate(ctx)
	took := time.Since(start)

	b.ticks.Add(1)
	b.lastCycle.Store(int64(took))
	b.lastTick.Store(start.UnixNano())
	b.latest.Store(snap)
	metrics.ObserveCycle(took.Seconds())
	if took > b.interval {
		b.overruns.Add(1)
		metrics.IncCycleOverrun()
		b.logger.Warn("aggregation cycle overran interval", "took", took, "interval", b.interval)
	}

	b.deliver(snap)
	return snap
}

func (b *Broadcaster) deliver(snap *snapshot.Snapshot) {
	b.mu.RLock()
	targets := make([]entry, len(b.observers))
	copy(targets, b.observers)
	b.mu.RUnlock()

	for _, e := range targets {
		if err := notify(e.obs, snap); err != nil {
			metrics.IncDeliveryFailure()
			b.logger.Debug("snapshot delivery failed", "observer", e.id, "error", err)
		}
	}
}

func notify(o Observer, snap *snapshot.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	return o.Notify(snap)
}

// Latest returns the snapshot of the most recent tick, or nil before the first.
func (b *Broadcaster) Latest() *snapshot.Snapshot { return b.latest.Load() }

// Stats describes the cycle cadence.
type Stats struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval_ns"`
	Ticks     uint64        `json:"ticks"`
	Overruns  uint64        `json:"overruns"`
	Observers int           `json:"observers"`
	LastCycle time.Duration `json:"last_cycle_ns"`
	LastTick  *time.Time    `json:"last_tick,omitempty"`
}

func (b *Broadcaster) Stats() Stats {
	st := Stats{
		Running:   b.running.Load() && !b.stopped(),
		Interval:  b.interval,
		Ticks:     b.ticks.Load(),
		Overruns:  b.overruns.Load(),
		Observers: b.Observers(),
		LastCycle: time.Duration(b.lastCycle.Load()),
	}
	if ns := b.lastTick.Load(); ns != 0 {
		t := time.Unix(0, ns)
		st.LastTick = &t
	}
	return st
}

func (b *Broadcaster) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
