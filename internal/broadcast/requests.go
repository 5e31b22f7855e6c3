package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/svcwatch/internal/hostmetrics"
	"github.com/loykin/svcwatch/internal/logtail"
	"github.com/loykin/svcwatch/internal/service"
	"github.com/loykin/svcwatch/internal/snapshot"
)

// One-shot requests run on the caller's goroutine and share no lock with the
// cycle, so they never wait behind an in-flight aggregation.

// Snapshot aggregates a fresh snapshot now.
func (b *Broadcaster) Snapshot(ctx context.Context) *snapshot.Snapshot {
	return b.src.Aggregate(ctx)
}

// Services returns fresh statuses for every service, in catalog order.
func (b *Broadcaster) Services(ctx context.Context) []snapshot.ServiceStatus {
	return b.src.Services(ctx)
}

// Service returns the fresh status of one service.
func (b *Broadcaster) Service(ctx context.Context, id string) (snapshot.ServiceStatus, error) {
	if _, err := b.catalog.Lookup(id); err != nil {
		return snapshot.ServiceStatus{}, err
	}
	for _, st := range b.src.Services(ctx) {
		if st.ID == id {
			return st, nil
		}
	}
	return snapshot.ServiceStatus{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
}

// System samples host metrics now.
func (b *Broadcaster) System(ctx context.Context) hostmetrics.SystemMetrics {
	return b.src.System(ctx)
}

// LogRequest selects a log tail. Zero Lines and empty Kind take the defaults.
type LogRequest struct {
	ServiceID string
	Lines     int
	Kind      string
}

type LogResult struct {
	Service   string    `json:"service"`
	LogType   string    `json:"log_type"`
	Logs      []string  `json:"logs"`
	Timestamp time.Time `json:"timestamp"`
}

// ResolveLog validates req and returns the log file it refers to and the
// effective line count.
func (b *Broadcaster) ResolveLog(req LogRequest) (path string, kind service.LogKind, lines int, err error) {
	def, err := b.catalog.Lookup(req.ServiceID)
	if err != nil {
		return "", "", 0, err
	}
	kind, err = service.ParseLogKind(req.Kind)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", ErrInvalidLogKind, err)
	}
	lines = req.Lines
	switch {
	case lines < 0:
		return "", "", 0, fmt.Errorf("%w: %d", ErrInvalidLines, lines)
	case lines == 0:
		lines = b.defaultLines
	case lines > b.maxLines:
		lines = b.maxLines
	}
	return def.LogPath(kind), kind, lines, nil
}

// Logs returns the tail of a service's log file. Read failures are reported
// inside Logs; only an unknown service or bad parameters return an error.
func (b *Broadcaster) Logs(ctx context.Context, req LogRequest) (LogResult, error) {
	path, kind, lines, err := b.ResolveLog(req)
	if err != nil {
		return LogResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return LogResult{}, err
	}
	return LogResult{
		Service:   req.ServiceID,
		LogType:   string(kind),
		Logs:      logtail.Tail(path, lines),
		Timestamp: time.Now(),
	}, nil
}

// FollowLogs streams lines appended to a service's log until ctx is done or
// fn returns an error.
func (b *Broadcaster) FollowLogs(ctx context.Context, req LogRequest, fn func(line string) error) error {
	path, _, _, err := b.ResolveLog(req)
	if err != nil {
		return err
	}
	return logtail.Follow(ctx, path, fn)
}
