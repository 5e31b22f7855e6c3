package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/svcwatch"
	"github.com/loykin/svcwatch/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:9999"

var errUnhealthy = errors.New("unhealthy services")

type command struct {
	out io.Writer
	err io.Writer
}

// Serve runs the monitor daemon until SIGINT or SIGTERM.
func (c *command) Serve(f ServeFlags) error {
	cfg, err := svcwatch.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	lg, closer, err := cfg.Log.NewSlogger(c.err)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(lg)

	if cfg.Metrics.Enabled {
		if err := svcwatch.RegisterMetricsDefault(); err != nil {
			lg.Warn("failed to register metrics", "error", err)
		}
	}

	m, err := svcwatch.New(cfg, lg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = m.Serve(ctx)
	lg.Info("shut down", "error", err)
	return err
}

// Status prints the daemon's fresh view of every service, or of one.
func (c *command) Status(f StatusFlags) error {
	apiClient, apiURL, err := c.apiClient(f.APIUrl, f.ConfigPath, f.APITimeout)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if !apiClient.IsReachable(ctx) {
		return fmt.Errorf("svcwatch not reachable at %s - please start it first with 'svcwatch serve'", apiURL)
	}

	if f.Service != "" {
		st, err := apiClient.Service(ctx, f.Service)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("unknown service %q", f.Service)
			}
			return err
		}
		if f.JSON {
			return printJSON(c.out, st)
		}
		renderServices(c.out, []client.ServiceStatus{*st}, time.Now())
		return nil
	}

	snap, err := apiClient.Snapshot(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, snap)
	}
	renderSnapshot(c.out, snap)
	return nil
}

// Logs prints the tail of a service log from the daemon.
func (c *command) Logs(f LogsFlags) error {
	apiClient, _, err := c.apiClient(f.APIUrl, f.ConfigPath, f.APITimeout)
	if err != nil {
		return err
	}
	res, err := apiClient.Logs(context.Background(), client.LogsQuery{Service: f.Service, Lines: f.Lines, Type: f.Type})
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("unknown service %q", f.Service)
		}
		return err
	}
	if f.JSON {
		return printJSON(c.out, res)
	}
	for _, line := range res.Logs {
		_, _ = fmt.Fprintln(c.out, line)
	}
	return nil
}

// Check aggregates one snapshot locally, without a running daemon.
func (c *command) Check(f CheckFlags) error {
	cfg, err := svcwatch.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	lg, closer, err := cfg.Log.NewSlogger(c.err)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	m, err := svcwatch.New(cfg, lg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	snap := m.Snapshot(ctx)
	if f.Service != "" {
		st, ok := snap.Service(f.Service)
		if !ok {
			return fmt.Errorf("unknown service %q", f.Service)
		}
		snap.Services = []svcwatch.ServiceStatus{st}
	}

	view, err := toClientSnapshot(snap)
	if err != nil {
		return err
	}
	if f.JSON {
		if err := printJSON(c.out, view); err != nil {
			return err
		}
	} else {
		renderSnapshot(c.out, view)
	}

	if f.Strict {
		var bad []string
		for _, s := range view.Services {
			if s.Health.Status != "healthy" {
				bad = append(bad, s.ID+"="+s.Health.Status)
			}
		}
		if len(bad) > 0 {
			return fmt.Errorf("%w: %s", errUnhealthy, strings.Join(bad, ", "))
		}
	}
	return nil
}

func (c *command) apiClient(apiURL, configPath string, timeout time.Duration) (*client.Client, string, error) {
	if apiURL == "" {
		apiURL = defaultAPIUrl
		if configPath != "" {
			cfg, err := svcwatch.LoadConfig(configPath)
			if err != nil {
				return nil, "", fmt.Errorf("error loading config: %w", err)
			}
			apiURL = apiURLFromConfig(cfg)
		}
	}
	return client.New(client.Config{BaseURL: apiURL, Timeout: timeout}), apiURL, nil
}

// apiURLFromConfig derives the local daemon URL from its listen address.
func apiURLFromConfig(cfg *svcwatch.Config) string {
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return defaultAPIUrl
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Server.BasePath, "/")
}

// toClientSnapshot converts through the JSON wire form so local and remote
// output share one renderer.
func toClientSnapshot(s *svcwatch.Snapshot) (*client.Snapshot, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out client.Snapshot
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
