package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
)

func TestSnapshotReadsRealHardware(t *testing.T) {
	s := NewSampler(config.DefaultCapacityConfig(), zap.NewNop())

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Greater(t, snap.CPUCores, 0)
	assert.Greater(t, snap.MemoryTotalBytes, uint64(0))
	assert.GreaterOrEqual(t, snap.MemoryTotalBytes, snap.MemoryFreeBytes)
	assert.NotEmpty(t, snap.OS)
	assert.NotEmpty(t, snap.Arch)
	assert.False(t, snap.SampledAt.IsZero())
	assert.GreaterOrEqual(t, snap.CPUIdlePercent, 0.0)
	assert.LessOrEqual(t, snap.CPUIdlePercent, 100.0)
}

func TestSnapshotCachesWithinTTL(t *testing.T) {
	cfg := config.DefaultCapacityConfig()
	cfg.SampleTTL = time.Hour
	s := NewSampler(cfg, zap.NewNop())

	first, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	second, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.SampledAt, second.SampledAt)
}

func TestSnapshotResamplesAfterTTL(t *testing.T) {
	cfg := config.DefaultCapacityConfig()
	cfg.SampleTTL = time.Nanosecond
	s := NewSampler(cfg, zap.NewNop())

	first, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, second.SampledAt.After(first.SampledAt))
}

func TestGPUEnvOverride(t *testing.T) {
	t.Setenv(gpuEnvVar, "test-accelerator")

	gpu, kind := detectAccelerator()
	assert.True(t, gpu)
	assert.Equal(t, "test-accelerator", kind)
}
