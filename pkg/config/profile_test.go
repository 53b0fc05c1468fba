package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfile_ReplacesCoreList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile_edge.yaml", `
scheduler:
  queue_capacity: 32
  cores:
    - {id: 0, capacity: 1, power: 0.5, thermal_limit: 0.8}
context:
  quotas: {small: 8, medium: 0, large: 0}
`)
	writeFile(t, dir, "profile_server.yaml", `
gateway:
  limiter: {rps: 1000, burst: 200}
`)

	names, err := Profiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge", "server"}, names)

	base := Default()
	edge, err := LoadProfile(base, dir, "EDGE")
	require.NoError(t, err)
	require.Len(t, edge.Scheduler.Cores, 1)
	assert.Equal(t, 0.8, edge.Scheduler.Cores[0].ThermalLimit)
	assert.Equal(t, 32, edge.Scheduler.QueueCapacity)
	assert.Equal(t, 8, edge.Context.Quotas.Small)
	assert.Equal(t, base.Scheduler.Weights, edge.Scheduler.Weights)
	assert.Len(t, base.Scheduler.Cores, 4, "base is not modified")

	server, err := LoadProfile(base, dir, "server")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, server.Gateway.Limiter.RPS)
	assert.Equal(t, LimiterMemory, server.Gateway.Limiter.Backend)
	assert.Len(t, server.Scheduler.Cores, 4)
}

func TestLoadProfile_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadProfile(Default(), dir, "missing")
	assert.Error(t, err)

	writeFile(t, dir, "profile_broken.yaml", `
scheduler:
  weights: {performance: 1, energy: 1, thermal: 0, fairness: 0}
`)
	_, err = LoadProfile(Default(), dir, "broken")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
