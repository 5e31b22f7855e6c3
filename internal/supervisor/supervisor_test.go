package supervisor

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJList = `[
 {"pid": 4242, "name": "tts-service", "pm2_env": {"status": "online", "restart_time": 3, "pm_uptime": 1700000000000}, "monit": {"memory": 104857600, "cpu": 12.5}},
 {"pid": 0, "name": "backend-service", "pm2_env": {"status": "stopped", "restart_time": 0}, "monit": {"memory": 0, "cpu": 0}}
]`

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell utilities")
	}
}

func TestParse(t *testing.T) {
	recs, err := Parse([]byte(sampleJList))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	tts := recs[0]
	assert.Equal(t, "tts-service", tts.Name)
	assert.Equal(t, "online", tts.State)
	require.NotNil(t, tts.PID)
	assert.Equal(t, 4242, *tts.PID)
	assert.Equal(t, 12.5, tts.CPU)
	assert.Equal(t, uint64(104857600), tts.Memory)
	assert.Equal(t, 3, tts.Restarts)
	require.NotNil(t, tts.StartedAt)
	assert.Equal(t, int64(1700000000000), tts.StartedAt.UnixMilli())

	be := recs[1]
	assert.Equal(t, "stopped", be.State)
	assert.Nil(t, be.PID, "pid 0 means no process")
	assert.Nil(t, be.StartedAt)
}

func TestParseSkipsBanner(t *testing.T) {
	out := ">>>> In-memory PM2 is out-of-date, do:\n>>>> $ pm2 update\n" + sampleJList
	recs, err := Parse([]byte(out))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestParseSkipsDaemonStartupLines(t *testing.T) {
	out := "[PM2] Spawning PM2 daemon with pm2_home=/root/.pm2\n[PM2] PM2 Successfully daemonized\n" + sampleJList
	recs, err := Parse([]byte(out))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "tts-service", recs[0].Name)

	recs, err = Parse([]byte("[PM2] PM2 Successfully daemonized\n[]\n"))
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = Parse([]byte("[PM2] Spawning PM2 daemon\n"))
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"", "not json", "[{broken", `{"name":"x"}`} {
		_, err := Parse([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedOutput, in)
	}
}

func TestParseEmptyArray(t *testing.T) {
	recs, err := Parse([]byte("[]"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIndex(t *testing.T) {
	recs, err := Parse([]byte(sampleJList))
	require.NoError(t, err)
	idx := Index(recs)
	assert.Contains(t, idx, "tts-service")
	assert.Contains(t, idx, "backend-service")
	assert.NotContains(t, idx, "frontend-service")
}

func TestCommandListSuccess(t *testing.T) {
	skipOnWindows(t)
	c := NewCommand("echo", []string{sampleJList}, time.Second, nil)
	recs := c.List(context.Background())
	assert.Len(t, recs, 2)
}

func TestCommandNonZeroExitYieldsEmpty(t *testing.T) {
	skipOnWindows(t)
	c := NewCommand("sh", []string{"-c", "echo boom >&2; exit 3"}, time.Second, nil)
	_, err := c.Query(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "boom")

	recs := c.List(context.Background())
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestCommandMissingBinaryYieldsEmpty(t *testing.T) {
	c := NewCommand("/nonexistent/pm2-binary", nil, time.Second, nil)
	_, err := c.Query(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Empty(t, c.List(context.Background()))
}

func TestCommandGarbageOutputYieldsEmpty(t *testing.T) {
	skipOnWindows(t)
	c := NewCommand("echo", []string{"hello"}, time.Second, nil)
	_, err := c.Query(context.Background())
	assert.ErrorIs(t, err, ErrMalformedOutput)
	assert.Empty(t, c.List(context.Background()))
}

func TestCommandTimeout(t *testing.T) {
	skipOnWindows(t)
	c := NewCommand("sleep", []string{"5"}, 100*time.Millisecond, nil)
	start := time.Now()
	_, err := c.Query(context.Background())
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewCommandDefaults(t *testing.T) {
	c := NewCommand("", nil, 0, nil)
	assert.Equal(t, DefaultCommand, c.Path)
	assert.Equal(t, DefaultArgs, c.Args)
	assert.Equal(t, DefaultTimeout, c.Timeout)
}

func TestCommandEnv(t *testing.T) {
	skipOnWindows(t)
	c := NewCommand("sh", []string{"-c", `printf '[{"name":"%s","pm2_env":{"status":"online"}}]' "$SVC"`}, time.Second, nil)
	c.Env = []string{"SVC=from-env", "PATH=/usr/bin:/bin"}
	recs, err := c.Query(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "from-env", recs[0].Name)
}
