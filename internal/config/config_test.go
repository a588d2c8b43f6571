package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	dims, err := cfg.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, []types.Dimension{types.DimArticles, types.DimCategories}, dims)

	ctrl := cfg.ControllerConfig()
	assert.Equal(t, 5, ctrl.Submitter.InitialBulk)
	assert.Equal(t, 2, ctrl.Submitter.Granularity)
	assert.Equal(t, time.Second, ctrl.Submitter.Interval)
	assert.Equal(t, time.Second, cfg.LeaderConfig().Period)
}

func TestLoadValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
redis:
  addr: redis:6380
  db: 2
analysis:
  dimensions: [categories]
  sample: 5000
  keep_closest: 10
  explore: true
monitor:
  default_grace: 15s
  grace_by_prefix:
    cD: 1m
  pop_timeout: 500ms
submitter:
  initial_bulk: 8
  granularity: 4
  interval: 2s
mutex:
  period: 3s
replay:
  log: /var/lib/redis/appendonly.aof
snapshot:
  path: /tmp/report.json
metrics:
  enabled: true
  addr: ":9191"
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.RedisOptions().Addr)
	assert.Equal(t, 2, cfg.RedisOptions().DB)

	dims, err := cfg.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, []types.Dimension{types.DimCategories}, dims)
	assert.Equal(t, int64(5000), cfg.Analysis.Sample)
	assert.True(t, cfg.ControllerConfig().Explore)

	mon := cfg.MonitorConfig()
	assert.Equal(t, 15*time.Second, mon.DefaultGrace)
	assert.Equal(t, 500*time.Millisecond, mon.PopTimeout)
	assert.Equal(t, time.Minute, mon.GraceByPrefix["cD"])
	// Defaults for other prefixes survive the overlay.
	assert.Equal(t, 30*time.Second, mon.GraceByPrefix["aR"])

	sub := cfg.ControllerConfig().Submitter
	assert.Equal(t, 8, sub.InitialBulk)
	assert.Equal(t, 4, sub.Granularity)
	assert.Equal(t, 1, sub.LowWater)
	assert.Equal(t, 2*time.Second, sub.Interval)

	assert.Equal(t, 3*time.Second, cfg.LeaderConfig().Period)
	assert.Equal(t, "/var/lib/redis/appendonly.aof", cfg.Replay.Log)
	assert.Equal(t, "/tmp/report.json", cfg.Snapshot.Path)
	assert.True(t, cfg.Metrics.Enabled)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadFileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	cfg, err := Parse([]byte("redis:\n  addr: [unterminated\n"))
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Redis.Addr = ""
	cfg.Analysis.Sample = -1
	cfg.Submitter.Granularity = 0
	cfg.Mutex.Period = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 5)
	for _, want := range []string{"redis.addr", "analysis.sample", "submitter.granularity", "mutex.period", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDimensions(t *testing.T) {
	cfg := Default()

	cfg.Analysis.Dimensions = []string{"c", "articles"}
	dims, err := cfg.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, []types.Dimension{types.DimCategories, types.DimArticles}, dims)

	cfg.Analysis.Dimensions = []string{"articles", "a"}
	_, err = cfg.Dimensions()
	assert.ErrorContains(t, err, "listed twice")

	cfg.Analysis.Dimensions = []string{"templates"}
	_, err = cfg.Dimensions()
	assert.ErrorContains(t, err, "unknown dimension")

	cfg.Analysis.Dimensions = nil
	_, err = cfg.Dimensions()
	assert.Error(t, err)
}

func TestMonitorConfigCopiesGraceTable(t *testing.T) {
	cfg := Default()
	mon := cfg.MonitorConfig()
	mon.GraceByPrefix["aD"] = time.Hour
	_, leaked := cfg.Monitor.GraceByPrefix["aD"]
	assert.False(t, leaked)
}

func TestNewLoggerFansOut(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewLogger(&console, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job rescheduled", "job", "aD7")

	assert.Contains(t, console.String(), "job rescheduled")
	assert.NotContains(t, console.String(), "hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &record))
	assert.Equal(t, "job rescheduled", record["msg"])
	assert.Equal(t, "aD7", record["job"])
}

func TestSetupLoggerWritesFile(t *testing.T) {
	cfg := Default()
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "wikigraph.log")

	logger, cleanup, err := cfg.SetupLogger()
	require.NoError(t, err)
	logger.Warn("lost job", "job", "cD3")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"lost job"`)
}
