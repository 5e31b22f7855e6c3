package broadcast

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcwatch/internal/hostmetrics"
	"github.com/loykin/svcwatch/internal/service"
	"github.com/loykin/svcwatch/internal/snapshot"
)

// fakeSource builds snapshots from the catalog. When block is set, Aggregate
// waits on it, simulating a slow cycle.
type fakeSource struct {
	catalog *service.Catalog
	delay   time.Duration
	block   chan struct{}
	calls   atomic.Int32
}

func (f *fakeSource) statuses() []snapshot.ServiceStatus {
	var out []snapshot.ServiceStatus
	for _, d := range f.catalog.All() {
		out = append(out, snapshot.ServiceStatus{ID: d.ID, Name: d.Name, State: "online"})
	}
	return out
}

func (f *fakeSource) Aggregate(ctx context.Context) *snapshot.Snapshot {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	time.Sleep(f.delay)
	return &snapshot.Snapshot{Services: f.statuses(), System: hostmetrics.Zero(time.Now()), Timestamp: time.Now()}
}

func (f *fakeSource) Services(context.Context) []snapshot.ServiceStatus { return f.statuses() }

func (f *fakeSource) System(context.Context) hostmetrics.SystemMetrics {
	return hostmetrics.SystemMetrics{CPUPercent: 12}
}

func newTestBroadcaster(t *testing.T, interval time.Duration) (*Broadcaster, *fakeSource, string) {
	t.Helper()
	dir := t.TempDir()
	cat, err := service.NewCatalog([]service.Definition{
		{ID: "api", Name: "API", HealthURL: "http://api/health",
			LogFile: filepath.Join(dir, "api-out.log"), ErrorLog: filepath.Join(dir, "api-error.log")},
		{ID: "web", Name: "Web", HealthURL: "http://web/",
			LogFile: filepath.Join(dir, "web-out.log"), ErrorLog: filepath.Join(dir, "web-error.log")},
	})
	require.NoError(t, err)
	src := &fakeSource{catalog: cat}
	return New(src, cat, Options{Interval: interval, MaxLines: 10}), src, dir
}

func TestSubscribeDoesNotPushImmediately(t *testing.T) {
	b, src, _ := newTestBroadcaster(t, time.Hour)
	sub := b.SubscribeChan(1)
	defer sub.Close()

	select {
	case <-sub.C:
		t.Fatal("unexpected delivery on subscribe")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, src.calls.Load())
}

func TestTickDeliversSamePointerToAllObservers(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, time.Hour)
	a := b.SubscribeChan(1)
	c := b.SubscribeChan(1)
	defer a.Close()
	defer c.Close()

	snap := b.Tick(context.Background())
	assert.Same(t, snap, <-a.C)
	assert.Same(t, snap, <-c.C)
	assert.Same(t, snap, b.Latest())
}

func TestUnsubscribeStopsDeliveryOnlyForThatObserver(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, time.Hour)
	var gotA, gotB atomic.Int32
	unsubA := b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error { gotA.Add(1); return nil }))
	unsubB := b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error { gotB.Add(1); return nil }))
	defer unsubB()

	b.Tick(context.Background())
	unsubA()
	unsubA() // idempotent
	b.Tick(context.Background())

	assert.Equal(t, int32(1), gotA.Load())
	assert.Equal(t, int32(2), gotB.Load())
	assert.Equal(t, 1, b.Observers())
}

func TestFailingObserverDoesNotAffectOthers(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, time.Hour)
	var got atomic.Int32
	b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error { return errors.New("write failed") }))
	b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error { panic("boom") }))
	b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error { got.Add(1); return nil }))

	b.Tick(context.Background())
	b.Tick(context.Background())
	assert.Equal(t, int32(2), got.Load())
}

func TestSlowChannelSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, time.Hour)
	sub := b.SubscribeChan(1)
	defer sub.Close()

	first := b.Tick(context.Background())
	b.Tick(context.Background())
	assert.Same(t, first, <-sub.C)
	select {
	case <-sub.C:
		t.Fatal("second snapshot should have been dropped")
	default:
	}
	assert.NoError(t, sub.Notify(first))
	assert.ErrorIs(t, sub.Notify(first), ErrObserverBusy)
}

func TestRunTicksAtInterval(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, 50*time.Millisecond)
	sub := b.SubscribeChan(10)
	defer sub.Close()

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyRunning)

	for i := 0; i < 3; i++ {
		select {
		case s := <-sub.C:
			require.NotNil(t, s)
			assert.Len(t, s.Services, 2)
		case <-time.After(2 * time.Second):
			t.Fatal("no tick")
		}
	}
	b.Stop()
	b.Stop()

	st := b.Stats()
	assert.False(t, st.Running)
	assert.GreaterOrEqual(t, st.Ticks, uint64(3))
	require.NotNil(t, st.LastTick)
	assert.Equal(t, 50*time.Millisecond, st.Interval)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestOverrunNeverRunsCyclesInParallel(t *testing.T) {
	b, src, _ := newTestBroadcaster(t, 20*time.Millisecond)
	src.delay = 70 * time.Millisecond

	var inFlight, maxInFlight atomic.Int32
	b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error { return nil }))
	wrapped := &trackingSource{fakeSource: src, inFlight: &inFlight, max: &maxInFlight}
	b.src = wrapped

	require.NoError(t, b.Start(context.Background()))
	time.Sleep(400 * time.Millisecond)
	b.Stop()

	assert.Equal(t, int32(1), maxInFlight.Load())
	st := b.Stats()
	assert.Greater(t, st.Overruns, uint64(0))
	// 400ms of 70ms cycles cannot exceed 6 ticks without overlap
	assert.LessOrEqual(t, st.Ticks, uint64(6))
}

type trackingSource struct {
	*fakeSource
	inFlight *atomic.Int32
	max      *atomic.Int32
}

func (s *trackingSource) Aggregate(ctx context.Context) *snapshot.Snapshot {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.max.Load()
		if n <= m || s.max.CompareAndSwap(m, n) {
			break
		}
	}
	return s.fakeSource.Aggregate(ctx)
}

func TestTickSkipsWhileCycleInFlight(t *testing.T) {
	b, src, _ := newTestBroadcaster(t, time.Hour)
	var got atomic.Int32
	defer b.Subscribe(ObserverFunc(func(*snapshot.Snapshot) error {
		got.Add(1)
		return nil
	}))()

	src.block = make(chan struct{})
	first := make(chan *snapshot.Snapshot, 1)
	go func() { first <- b.Tick(context.Background()) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Nil(t, b.Tick(context.Background()), "overlapping tick must not run")
	assert.Equal(t, int32(1), src.calls.Load())

	close(src.block)
	assert.NotNil(t, <-first)
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, uint64(1), b.Stats().Ticks)

	src.block = nil
	assert.NotNil(t, b.Tick(context.Background()))
	assert.Equal(t, int32(2), got.Load())
}

func TestOneShotRequestsDoNotWaitForCycle(t *testing.T) {
	b, src, dir := newTestBroadcaster(t, time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api-out.log"), []byte("a\nb\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web-out.log"), []byte("c\n"), 0o644))

	src.block = make(chan struct{})
	defer close(src.block)
	go b.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]LogResult, 2)
	for i, id := range []string{"api", "web"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := b.Logs(context.Background(), LogRequest{ServiceID: id})
			assert.NoError(t, err)
			results[i] = r
		}()
	}
	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("log requests blocked behind the cycle")
	}
	assert.Equal(t, []string{"a", "b"}, results[0].Logs)
	assert.Equal(t, []string{"c"}, results[1].Logs)

	st, err := b.Service(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "Web", st.Name)
}

func TestLogsDefaultsAndValidation(t *testing.T) {
	b, _, dir := newTestBroadcaster(t, time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api-error.log"), []byte("1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n"), 0o644))

	r, err := b.Logs(context.Background(), LogRequest{ServiceID: "api", Kind: "error", Lines: 100})
	require.NoError(t, err)
	assert.Equal(t, "error", r.LogType)
	assert.Len(t, r.Logs, 10, "capped at MaxLines")
	assert.Equal(t, "12", r.Logs[9])

	r, err = b.Logs(context.Background(), LogRequest{ServiceID: "api"})
	require.NoError(t, err)
	assert.Equal(t, "output", r.LogType)
	require.Len(t, r.Logs, 1)
	assert.Contains(t, r.Logs[0], "log file not found: ")

	_, err = b.Logs(context.Background(), LogRequest{ServiceID: "nope"})
	assert.ErrorIs(t, err, ErrServiceNotFound)

	_, err = b.Logs(context.Background(), LogRequest{ServiceID: "api", Kind: "debug"})
	assert.ErrorIs(t, err, ErrInvalidLogKind)

	_, err = b.Logs(context.Background(), LogRequest{ServiceID: "api", Lines: -1})
	assert.ErrorIs(t, err, ErrInvalidLines)
}

func TestServiceUnknown(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, time.Hour)
	_, err := b.Service(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestOneShotSnapshotAndSystem(t *testing.T) {
	b, src, _ := newTestBroadcaster(t, time.Hour)
	s := b.Snapshot(context.Background())
	assert.Len(t, s.Services, 2)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Nil(t, b.Latest(), "one-shot snapshots are not broadcast")
	assert.Equal(t, 12.0, b.System(context.Background()).CPUPercent)
	assert.Len(t, b.Services(context.Background()), 2)
}

func TestNewDefaults(t *testing.T) {
	b := New(&fakeSource{}, nil, Options{})
	assert.Equal(t, DefaultInterval, b.Interval())
	assert.Equal(t, DefaultLines, b.defaultLines)
	assert.Equal(t, DefaultMaxLines, b.maxLines)
}
