package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  listen: 127.0.0.1:3345
scheduler:
  count: 1
  write_log: false
  run_in_background: true
worker:
  count: 4
  codec: msgpack
database:
  driver: sqlite
  dsn: ":memory:"
  prefix: cron_
lease:
  task_ttl: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "127.0.0.1:3345", cfg.Server.Listen)
	assert.Equal(t, "0.0.0.0:2346", cfg.Worker.Listen)
	assert.False(t, cfg.Scheduler.WriteLog)
	assert.True(t, cfg.Scheduler.RunInBackground)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, "msgpack", cfg.Worker.Codec)
	assert.Equal(t, "cron_", cfg.Database.Prefix)
	assert.Equal(t, "system_crontab", cfg.Database.CrontabTable)
	assert.Equal(t, 30*time.Minute, Duration(cfg.Lease.TaskTTL, time.Hour))
	assert.Equal(t, time.Hour, Duration(cfg.Lease.ServerTTL, time.Minute))
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"worker":{"count":2},"node":{"id":"eth0:aabbccddeeff"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, "eth0:aabbccddeeff", cfg.Node.ID)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("FLEETCRON_NODE_ID", "env-node")
	t.Setenv("FLEETCRON_REDIS_ADDRS", "10.0.0.1:6379,10.0.0.2:6379")
	t.Setenv("FLEETCRON_WORKER_ADDR", "workers.internal:2346")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "workers.internal:2346", cfg.Worker.Addr)
	assert.Equal(t, "0.0.0.0:2346", cfg.Worker.Listen)
	assert.Equal(t, 1, cfg.Scheduler.Count)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"scheduler replicas", func(c *Config) { c.Scheduler.Count = 2 }, "scheduler.count must be 1"},
		{"worker count", func(c *Config) { c.Worker.Count = 0 }, "worker.count"},
		{"codec", func(c *Config) { c.Worker.Codec = "xml" }, "worker.codec"},
		{"worker bind address as peer", func(c *Config) { c.Worker.Addr = "0.0.0.0:2346" }, "worker.addr"},
		{"worker addr without host", func(c *Config) { c.Worker.Addr = ":2346" }, "worker.addr"},
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"duration", func(c *Config) { c.Lease.TaskTTL = "soon" }, "lease.task_ttl"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
