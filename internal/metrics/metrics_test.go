package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObserveCycle(1.25)
	IncCycleOverrun()
	SetServiceHealth("api", "healthy", []string{"healthy", "down"})
	ObserveProbeLatency("api", 0.02)
	SetServiceUsage("api", 3.5, 1024, 2)
	IncSupervisorFailure("exit")
	SetHostUsage(12, 40)
	SetObservers(3)
	IncDeliveryFailure()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"svcwatch_cycle_duration_seconds":            false,
		"svcwatch_cycle_total":                       false,
		"svcwatch_cycle_overruns_total":              false,
		"svcwatch_service_health":                    false,
		"svcwatch_probe_latency_seconds":             false,
		"svcwatch_service_cpu_percent":               false,
		"svcwatch_service_memory_bytes":              false,
		"svcwatch_service_restarts":                  false,
		"svcwatch_supervisor_failures_total":         false,
		"svcwatch_host_cpu_percent":                  false,
		"svcwatch_host_memory_percent":               false,
		"svcwatch_broadcast_observers":               false,
		"svcwatch_broadcast_delivery_failures_total": false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestServiceHealthIsOneHot(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	all := []string{"healthy", "down", "timeout"}
	SetServiceHealth("web", "healthy", all)
	SetServiceHealth("web", "down", all)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "svcwatch_service_health" {
			continue
		}
		var ones int
		for _, m := range mf.GetMetric() {
			var isWeb bool
			var status string
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "service" && lp.GetValue() == "web" {
					isWeb = true
				}
				if lp.GetName() == "status" {
					status = lp.GetValue()
				}
			}
			if !isWeb {
				continue
			}
			if m.GetGauge().GetValue() == 1 {
				ones++
				if status != "down" {
					t.Fatalf("expected down to be current, got %s", status)
				}
			}
		}
		if ones != 1 {
			t.Fatalf("expected exactly one current status, got %d", ones)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	ObserveCycle(0.5)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "svcwatch_cycle_total") {
		t.Fatalf("metrics output missing cycle_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentUpdates(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ObserveCycle(0.1)
			IncDeliveryFailure()
			SetServiceHealth("c", "timeout", []string{"healthy", "timeout"})
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	ObserveCycle(1)
	IncCycleOverrun()
	SetServiceHealth("x", "down", []string{"down"})
	ObserveProbeLatency("x", 1)
	SetServiceUsage("x", 1, 1, 1)
	IncSupervisorFailure("parse")
	SetHostUsage(1, 1)
	SetObservers(1)
	IncDeliveryFailure()
}

func TestRegisterError(t *testing.T) {
	errorRegisterer := &errorRegisterer{shouldError: true}

	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer)
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
