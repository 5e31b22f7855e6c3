package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single probe when none is configured.
const DefaultTimeout = 5 * time.Second

// Status classifies the outcome of one probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDown      Status = "down"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// Statuses lists every probe status, used to reset per-service gauges.
var Statuses = []Status{StatusHealthy, StatusUnhealthy, StatusDown, StatusTimeout, StatusError}

// Result is the outcome of a single probe. StatusCode and ResponseTime are set only
// when a response was received; Error is set only when none was.
type Result struct {
	Status       Status   `json:"status"`
	StatusCode   *int     `json:"status_code,omitempty"`
	ResponseTime *float64 `json:"response_time,omitempty"` // seconds
	Error        string   `json:"error,omitempty"`
}

// Responded reports whether the endpoint answered with an HTTP status.
func (r Result) Responded() bool { return r.StatusCode != nil }

// Latency returns the response time as a duration, zero when there was no response.
func (r Result) Latency() time.Duration {
	if r.ResponseTime == nil {
		return 0
	}
	return time.Duration(*r.ResponseTime * float64(time.Second))
}

// FromResponse builds a Result for a received HTTP response.
func FromResponse(code int, latency time.Duration) Result {
	st := StatusUnhealthy
	if code == http.StatusOK {
		st = StatusHealthy
	}
	secs := latency.Seconds()
	if secs < 0 {
		secs = 0
	}
	return Result{Status: st, StatusCode: &code, ResponseTime: &secs}
}

// Failed builds a Result for a probe that received no response.
func Failed(st Status, detail string) Result {
	return Result{Status: st, Error: detail}
}

// Prober issues bounded GET requests against health endpoints.
// It is safe for concurrent use.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// New returns a Prober with the given hard timeout (DefaultTimeout when <= 0).
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 2
	return &Prober{
		client:  &http.Client{Timeout: timeout, Transport: tr},
		timeout: timeout,
	}
}

// Timeout returns the configured hard timeout.
func (p *Prober) Timeout() time.Duration { return p.timeout }

// Probe performs one GET against endpoint. Every failure is converted into a Result;
// it never returns an error or panics on transport failures.
func (p *Prober) Probe(ctx context.Context, endpoint string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Failed(StatusError, err.Error())
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return classify(err)
	}
	latency := time.Since(start)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return FromResponse(resp.StatusCode, latency)
}

// classify maps a transport error onto down, timeout or error.
// Failures while dialing count as down, even when the dial itself timed out.
func classify(err error) Result {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Failed(StatusDown, fmt.Sprintf("connection refused: %v", opErr.Err))
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Failed(StatusDown, "connection refused")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Failed(StatusDown, fmt.Sprintf("host unreachable: %s", dnsErr.Error()))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failed(StatusTimeout, "request timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Failed(StatusTimeout, "request timeout")
	}
	return Failed(StatusError, err.Error())
}
