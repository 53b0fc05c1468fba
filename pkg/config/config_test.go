package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/capkernel/pkg/audit/archive"
	"github.com/Mindburn-Labs/capkernel/pkg/execctx"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "capkernel.yaml", `
version: "1.2.0"
log_level: debug
log_format: json
gateway:
  limiter:
    backend: redis
    redis_addr: "localhost:6379"
context:
  ceilings:
    batch-svc: batch
  classes:
    idle:
      memory_bytes: 4096
      max_threads: 1
      max_duration: 250ms
  rules:
    - name: no-ipc-for-guests
      when: 'owner.startsWith("guest-")'
      max_ipc_quota: 0
scheduler:
  weights: {performance: 0.25, energy: 0.25, thermal: 0.25, fairness: 0.25}
  tuning:
    forecast_timeout: 2ms
  cores:
    - {id: 0, capacity: 1, power: 2, tags: [rt]}
`)
	cfg, err := LoadWithEnv(path, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, LimiterRedis, cfg.Gateway.Limiter.Backend)
	assert.Equal(t, 100.0, cfg.Gateway.Limiter.RPS, "unset fields keep defaults")
	assert.Equal(t, 2*time.Millisecond, cfg.Scheduler.Tuning.ForecastTimeout)
	assert.Equal(t, 0.1, cfg.Scheduler.Tuning.AffinityBonus)
	require.Len(t, cfg.Scheduler.Cores, 1)
	assert.Equal(t, []string{"rt"}, cfg.Scheduler.Cores[0].Tags)

	table, err := cfg.ClassTable()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, table[execctx.ClassIdle].MaxDuration)
	assert.Equal(t, time.Second, table[execctx.ClassInteractive].MaxDuration)

	ceilings, err := cfg.CeilingMap()
	require.NoError(t, err)
	assert.Equal(t, execctx.ClassBatch, ceilings["batch-svc"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := LoadWithEnv("", map[string]string{
		"CAPK_LOG_LEVEL":          "warn",
		"CAPK_LIMITER":            "none",
		"CAPK_AUDIT_DRIVER":       "sqlite",
		"CAPK_AUDIT_DSN":          "file:audit.db",
		"CAPK_WEIGHT_PERFORMANCE": "0.7",
		"CAPK_WEIGHT_ENERGY":      "0.1",
		"CAPK_WEIGHT_THERMAL":     "0.1",
		"CAPK_WEIGHT_FAIRNESS":    "0.1",
		"CAPK_FORECAST_TIMEOUT":   "20ms",
		"CAPK_ARCHIVE_TYPE":       "s3",
		"CAPK_ARCHIVE_BUCKET":     "evidence",
	})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, LimiterNone, cfg.Gateway.Limiter.Backend)
	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	assert.Equal(t, 0.7, cfg.Scheduler.Weights.Performance)
	assert.Equal(t, 20*time.Millisecond, cfg.Scheduler.Tuning.ForecastTimeout)
	assert.Equal(t, archive.StoreTypeS3, cfg.Audit.Archive.Type)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_RejectsBadWeightsFromEnv(t *testing.T) {
	_, err := LoadWithEnv("", map[string]string{"CAPK_WEIGHT_PERFORMANCE": "0.9"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "weights")
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadWithEnv(writeFile(t, dir, "bad.yaml", "version: [unterminated"), map[string]string{})
	assert.Error(t, err)

	_, err = LoadWithEnv(writeFile(t, dir, "v2.yaml", `version: "2.0.0"`), map[string]string{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "^1")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Version = "not-a-version"
	cfg.LogFormat = "xml"
	cfg.Gateway.Limiter = LimiterConfig{Backend: LimiterRedis, RPS: 1, Burst: 1}
	cfg.Audit.Driver = "postgres"
	cfg.Context.Ceilings = map[string]string{"svc": "turbo"}
	cfg.Context.Rules = []execctx.CELRule{{Name: "broken", When: "owner +"}}
	cfg.Scheduler.Cores = []topology.Core{{ID: 1, Capacity: 1}, {ID: 1, Capacity: 1}}
	cfg.Scheduler.QueueCapacity = 0
	cfg.Scheduler.EWMAAlpha = 2
	cfg.Telemetry.SampleRate = 3

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{
		"version", "log_format", "redis_addr", "needs a dsn", "turbo", "broken",
		"duplicate core id", "queue_capacity", "ewma_alpha", "sample_rate",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Archive(t *testing.T) {
	cfg := Default()
	cfg.Audit.ArchiveEnabled = true
	require.NoError(t, cfg.Validate())

	cfg.Audit.Archive = archive.StoreConfig{Type: archive.StoreTypeGCS}
	assert.ErrorContains(t, cfg.Validate(), "needs a bucket")

	cfg.Audit.Archive = archive.StoreConfig{Type: "tape"}
	assert.ErrorContains(t, cfg.Validate(), "want fs, s3 or gcs")
}
