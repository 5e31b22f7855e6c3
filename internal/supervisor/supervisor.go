package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/svcwatch/internal/metrics"
)

// StateUnknown is reported for services the supervisor does not know about.
const StateUnknown = "unknown"

const (
	DefaultCommand = "pm2"
	DefaultTimeout = 10 * time.Second
)

// DefaultArgs lists the arguments of the default status command.
var DefaultArgs = []string{"jlist"}

var (
	ErrCommandFailed   = errors.New("supervisor command failed")
	ErrCommandTimeout  = errors.New("supervisor command timed out")
	ErrMalformedOutput = errors.New("supervisor output malformed")
)

// Record is one managed process as reported by the supervisor.
type Record struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	PID       *int       `json:"pid,omitempty"`
	CPU       float64    `json:"cpu"`
	Memory    uint64     `json:"memory"`
	Restarts  int        `json:"restarts"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Index builds a lookup by process name. Later duplicates win.
func Index(records []Record) map[string]Record {
	m := make(map[string]Record, len(records))
	for _, r := range records {
		m[r.Name] = r
	}
	return m
}

// Command queries the supervisor by running its status-listing command,
// which must print a pm2 jlist compatible JSON array.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Env     []string // nil inherits the process environment
	Logger  *slog.Logger
}

// NewCommand returns a Command with defaults applied for empty fields.
func NewCommand(path string, args []string, timeout time.Duration, logger *slog.Logger) *Command {
	if strings.TrimSpace(path) == "" {
		path = DefaultCommand
		if len(args) == 0 {
			args = DefaultArgs
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{Path: path, Args: args, Timeout: timeout, Logger: logger}
}

// List returns the current status table. Any failure is logged and yields an
// empty result, which callers treat the same as "no processes known".
func (c *Command) List(ctx context.Context) []Record {
	recs, err := c.Query(ctx)
	if err != nil {
		c.logger().Warn("supervisor query failed", "command", c.Path, "error", err)
		metrics.IncSupervisorFailure(failureReason(err))
		return []Record{}
	}
	return recs
}

// Query runs the command and parses its output, returning the failure if any.
func (c *Command) Query(ctx context.Context) ([]Record, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- command comes from the operator's config file
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.WaitDelay = time.Second
	if c.Env != nil {
		cmd.Env = c.Env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, fmt.Errorf("%w: exit code %d: %s", ErrCommandFailed, ee.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	return Parse(out)
}

func (c *Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedOutput):
		return "parse"
	default:
		return "exec"
	}
}

// pm2Process mirrors the subset of one `pm2 jlist` entry that we use.
type pm2Process struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	PM2   pm2Env `json:"pm2_env"`
	Monit struct {
		CPU    float64 `json:"cpu"`
		Memory uint64  `json:"memory"`
	} `json:"monit"`
}

type pm2Env struct {
	Status      string `json:"status"`
	RestartTime int    `json:"restart_time"`
	PMUptime    int64  `json:"pm_uptime"`
}

// Parse decodes pm2 jlist output. pm2 may print banner lines such as
// "[PM2] Spawning PM2 daemon" before the JSON array, so decoding is tried from
// each '[' until one yields a process list.
func Parse(out []byte) ([]Record, error) {
	procs, err := decodeList(out)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(procs))
	for _, p := range procs {
		if p.Name == "" {
			continue
		}
		r := Record{
			Name:     p.Name,
			State:    p.PM2.Status,
			CPU:      p.Monit.CPU,
			Memory:   p.Monit.Memory,
			Restarts: p.PM2.RestartTime,
		}
		if r.State == "" {
			r.State = StateUnknown
		}
		if p.PID > 0 {
			pid := p.PID
			r.PID = &pid
		}
		if p.PM2.PMUptime > 0 {
			ts := time.UnixMilli(p.PM2.PMUptime)
			r.StartedAt = &ts
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func decodeList(out []byte) ([]pm2Process, error) {
	var lastErr error
	for off := 0; off < len(out); {
		i := bytes.IndexByte(out[off:], '[')
		if i < 0 {
			break
		}
		off += i
		var procs []pm2Process
		err := json.NewDecoder(bytes.NewReader(out[off:])).Decode(&procs)
		if err == nil {
			return procs, nil
		}
		lastErr = err
		off++
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: no JSON array in output", ErrMalformedOutput)
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}
