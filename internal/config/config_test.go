package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fastdl/internal/utils"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.IntP("connections", "c", 0, "")
	fs.Duration("timeout", 3*time.Minute, "")
	fs.String("limit-rate", "", "")
	fs.StringArrayP("header", "H", nil, "")
	fs.Bool("debug", false, "")
	return fs
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Connections)
	assert.Equal(t, 3*time.Minute, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
	assert.True(t, cfg.HTTP2)
	assert.Equal(t, int64(2*1024*1024), cfg.MinChunkSize)
	assert.Zero(t, cfg.LimitRate)
	assert.Zero(t, cfg.MemoryBudget)
	assert.Equal(t, utils.ToolUserAgent, cfg.UserAgent)
}

func TestLoadLayering(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
connections: 6
retries: 5
limit_rate: 10MiB
memory_budget: "0"
headers:
  - "X-From: file"
`)
	t.Setenv("FASTDL_RETRIES", "7")
	t.Setenv("FASTDL_STALL_TIMEOUT", "15s")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"-c", "12"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Connections, "flag beats file")
	assert.Equal(t, 7, cfg.Retries, "env beats file")
	assert.Equal(t, 15*time.Second, cfg.StallTimeout)
	assert.Equal(t, int64(10*1024*1024), cfg.LimitRate, "file beats default")
	assert.Equal(t, int64(-1), cfg.MemoryBudget, "zero budget always spools")
	assert.Equal(t, []string{"X-From: file"}, cfg.Headers)
	assert.Equal(t, 3*time.Minute, cfg.Timeout, "unset flag does not override")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoadValidation(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		content string
		message string
	}{
		{"too many connections", "connections: 65", "connections must be between"},
		{"negative connections", "connections: -1", "connections must be between"},
		{"no retries", "retries: 0", "retries must be at least 1"},
		{"inverted delays", "retry_base_delay: 10s\nretry_max_delay: 1s", "exceeds retry_max_delay"},
		{"bad size", "limit_rate: lots", "limit_rate: invalid size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), nil)
			assert.ErrorContains(t, err, tt.message)
		})
	}
}

func TestHTTPClientConfig(t *testing.T) {
	cfg := &Config{
		Timeout:          time.Minute,
		KeepAliveTimeout: 30 * time.Second,
		Proxy:            "http://user:pw@proxy.local:3128",
		Headers:          []string{"Authorization: Bearer abc"},
		UserAgent:        "randomize",
		HTTP2:            true,
	}
	client := cfg.HTTPClientConfig(8)
	assert.Equal(t, "http://proxy.local:3128", client.ProxyURL)
	assert.Equal(t, "user", client.ProxyUsername)
	assert.Equal(t, "pw", client.ProxyPassword)
	assert.Equal(t, "Bearer abc", client.Headers["Authorization"])
	assert.NotEqual(t, "randomize", client.UserAgent)
	assert.True(t, client.HighThreadMode)
	assert.True(t, client.HTTP2)
	assert.False(t, cfg.HTTPClientConfig(2).HighThreadMode)
}

func TestRetryPolicy(t *testing.T) {
	cfg := &Config{Retries: 4, RetryBaseDelay: time.Second, RetryMaxDelay: 4 * time.Second}
	policy := cfg.RetryPolicy()
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, 4*time.Second, policy.Backoff(10))
}
