package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcwatch"
	"github.com/loykin/svcwatch/pkg/client"
)

const jlist = `[{"name":"api","pid":77,"pm2_env":{"status":"online","restart_time":1},"monit":{"cpu":2.5,"memory":1048576}}]`

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// writeConfig writes a config with one healthy service "api" and one
// unreachable service "worker".
func writeConfig(t *testing.T) string {
	t.Helper()
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(health.Close)

	dir := t.TempDir()
	logFile := filepath.Join(dir, "api-out.log")
	require.NoError(t, os.WriteFile(logFile, []byte("one\ntwo\nthree\n"), 0o644))

	cfg := fmt.Sprintf(`
[server]
listen = "127.0.0.1:0"

[monitor]
interval = "1s"
cpu_interval = "10ms"
probe_timeout = "1s"

[supervisor]
command = "printf"
args = ['%%s', '%s']

[metrics]
enabled = false

[log.slog]
level = "error"

[[services]]
id = "api"
name = "API"
port = 8000
health_url = %q
log_file = %q
error_log = %q

[[services]]
id = "worker"
name = "Worker"
port = 1
health_url = "http://127.0.0.1:1/health"
`, jlist, health.URL, logFile, filepath.Join(dir, "api-error.log"))
	path := filepath.Join(dir, "svcwatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func startDaemon(t *testing.T, configPath string) string {
	t.Helper()
	cfg, err := svcwatch.LoadConfig(configPath)
	require.NoError(t, err)
	m, err := svcwatch.New(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		srv.Close()
		m.Stop()
	})
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := buildRoot(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpAndVersion(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "svcwatch")
	for _, sub := range []string{"serve", "status", "logs", "check", "version"} {
		assert.Contains(t, out, sub)
	}

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "svcwatch dev"), out)
}

func TestStatusTable(t *testing.T) {
	requireUnix(t)
	url := startDaemon(t, writeConfig(t))

	out, err := run(t, "status", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "1.0MiB")
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "unknown")
	assert.Contains(t, out, "HOST")
}

func TestStatusJSONAndFilter(t *testing.T) {
	requireUnix(t)
	url := startDaemon(t, writeConfig(t))

	out, err := run(t, "status", "--api-url", url, "--json")
	require.NoError(t, err)
	var snap client.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Services, 2)
	assert.Equal(t, "api", snap.Services[0].ID)
	assert.Equal(t, "down", snap.Services[1].Health.Status)

	out, err = run(t, "status", "--api-url", url, "--service", "api", "--json")
	require.NoError(t, err)
	var st client.ServiceStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 77, *st.PID)

	_, err = run(t, "status", "--api-url", url, "--service", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown service "ghost"`)
}

func TestStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := run(t, "status", "--api-url", url, "--api-timeout", "1s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestLogs(t *testing.T) {
	requireUnix(t)
	url := startDaemon(t, writeConfig(t))

	out, err := run(t, "logs", "api", "--api-url", url, "--lines", "2")
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)

	out, err = run(t, "logs", "api", "--api-url", url, "--type", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "log file not found")

	_, err = run(t, "logs", "ghost", "--api-url", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")

	_, err = run(t, "logs", "api", "--api-url", url, "--type", "debug")
	require.Error(t, err)

	_, err = run(t, "logs")
	require.Error(t, err, "service argument is required")
}

func TestCheckLocal(t *testing.T) {
	requireUnix(t)
	path := writeConfig(t)

	out, err := run(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "api")
	assert.Contains(t, out, "worker")

	out, err = run(t, "check", "--config", path, "--service", "api", "--json", "--strict")
	require.NoError(t, err)
	var snap client.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Services, 1)
	assert.Equal(t, "healthy", snap.Services[0].Health.Status)

	_, err = run(t, "check", "--config", path, "--strict")
	require.ErrorIs(t, err, errUnhealthy)
	assert.Contains(t, err.Error(), "worker=down")

	_, err = run(t, "check", "--config", path, "--service", "ghost")
	require.Error(t, err)
}

func TestCheckBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[monitor]\ninterval = \"0s\"\n"), 0o644))
	_, err := run(t, "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestAPIURLFromConfig(t *testing.T) {
	cfg, err := svcwatch.DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999", apiURLFromConfig(cfg))

	cfg.Server.Listen = "10.0.0.5:8443"
	cfg.Server.BasePath = "/watch/"
	cfg.Server.TLS.Enabled = true
	assert.Equal(t, "https://10.0.0.5:8443/watch", apiURLFromConfig(cfg))

	cfg.Server.Listen = "garbage"
	assert.Equal(t, defaultAPIUrl, apiURLFromConfig(cfg))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
	assert.Equal(t, "2.0GiB", formatBytes(2<<30))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second))
	assert.Equal(t, "2d3h0m0s", formatDuration(51*time.Hour+20*time.Second))
	assert.Equal(t, "-", formatDuration(-time.Second))
}

func TestRenderServicesAligned(t *testing.T) {
	pid := 9
	var buf bytes.Buffer
	renderServices(&buf, []client.ServiceStatus{
		{ID: "a", Name: "A", State: "online", PID: &pid, Health: client.Health{Status: "healthy"}},
		{ID: "long-service-id", Name: "B", State: "unknown", Health: client.Health{Status: "timeout", Error: "probe timed out"}},
	}, time.Now())
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "a               "), lines[1])
	assert.Contains(t, lines[3], "long-service-id: probe timed out")
}
