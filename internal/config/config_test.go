package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.ReadinessInterval)
	assert.Equal(t, 30*time.Minute, cfg.ReadinessTimeout)
	assert.Equal(t, 20*time.Minute, cfg.ImageWaitTimeout)
	assert.Equal(t, time.Hour, cfg.AssumeRoleDuration)
	assert.Equal(t, 3, cfg.AuthMaxAttempts)
	assert.True(t, cfg.Policy.RegionAllowed("us-east-1"))
	assert.True(t, cfg.Policy.InstanceTypeAllowed("t3.xlarge"))
	assert.False(t, cfg.Policy.AllowAccessKeyAuth)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("READINESS_INTERVAL", "5s")
	t.Setenv("ALLOWED_REGIONS", "ap-south-1, eu-west-3 ,")
	t.Setenv("ALLOW_ACCESS_KEY_AUTH", "true")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.ReadinessInterval)
	assert.Equal(t, []string{"ap-south-1", "eu-west-3"}, cfg.Policy.AllowedRegions)
	assert.True(t, cfg.Policy.AllowAccessKeyAuth)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
}

func TestLoadPolicyFile(t *testing.T) {
	base := Load().Policy
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allowed_instance_types:\n  - g5.xlarge\nmax_volume_gb: 200\n"), 0o644))

	p, err := LoadPolicyFile(path, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"g5.xlarge"}, p.AllowedInstanceTypes)
	assert.Equal(t, 200, p.MaxVolumeGB)
	assert.Equal(t, base.AllowedRegions, p.AllowedRegions)
}

func TestLoadPolicyFileRejectsBadBounds(t *testing.T) {
	base := Load().Policy
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_volume_gb: 50\nmax_volume_gb: 10\n"), 0o644))

	_, err := LoadPolicyFile(path, base)
	assert.Error(t, err)

	same, err := LoadPolicyFile("", base)
	require.NoError(t, err)
	assert.Equal(t, base, same)
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, "default", Config{PriorityQueues: []string{"high", "default", "low"}}.DefaultPriority())
	assert.Equal(t, "bulk", Config{PriorityQueues: []string{"urgent", "bulk"}}.DefaultPriority())
	assert.Equal(t, "default", Config{}.DefaultPriority())
	assert.Equal(t, []string{"default"}, Config{}.Priorities())
}
