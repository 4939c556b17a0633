// Package capacity measures the local machine's spare hardware and
// turns readings into the CapacitySnapshot advertised to peers.
//
// Snapshots are advisory by design. A figure may be one advertisement
// interval stale by the time a scheduler acts on it; the dispatch
// failure and reassignment path absorbs that race.
package capacity

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/types"
)

// gpuEnvVar force-enables the accelerator flag for deployments where
// device-node probing cannot see the hardware (containers, VMs).
const gpuEnvVar = "INTRASCALE_GPU"

// Sampler reads local hardware availability with a short-lived cache,
// so concurrent callers within one TTL share a single reading.
type Sampler struct {
	cfg    config.CapacityConfig
	logger *zap.Logger

	cpuModel string
	gpu      bool
	gpuKind  string

	mu       sync.Mutex
	cached   types.CapacitySnapshot
	cachedAt time.Time
}

// NewSampler creates a sampler. Static facts (CPU model, accelerator
// presence) are probed once here; volatile figures are read per call.
func NewSampler(cfg config.CapacityConfig, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sampler{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "capacity")),
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		s.cpuModel = infos[0].ModelName
	}
	s.gpu, s.gpuKind = detectAccelerator()

	s.logger.Info("capacity sampler initialized",
		zap.String("cpu_model", s.cpuModel),
		zap.Bool("gpu", s.gpu),
		zap.String("gpu_kind", s.gpuKind),
	)
	return s
}

// Snapshot returns the current reading, re-sampling only when the
// cached one is older than the configured TTL.
func (s *Sampler) Snapshot(ctx context.Context) (types.CapacitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl := s.cfg.SampleTTL; ttl > 0 && time.Since(s.cachedAt) < ttl {
		return s.cached, nil
	}

	snap, err := s.sample(ctx)
	if err != nil {
		return types.CapacitySnapshot{}, err
	}

	s.cached = snap
	s.cachedAt = time.Now()
	return snap, nil
}

func (s *Sampler) sample(ctx context.Context) (types.CapacitySnapshot, error) {
	snap := types.CapacitySnapshot{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUModel:  s.cpuModel,
		GPU:       s.gpu,
		GPUKind:   s.gpuKind,
		SampledAt: time.Now(),
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return snap, fmt.Errorf("read cpu count: %w", err)
	}
	snap.CPUCores = cores

	// Interval 0 measures utilization since the previous call, which
	// avoids blocking the sampler for a measurement window.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUIdlePercent = 100 - percents[0]
	} else {
		snap.CPUIdlePercent = 100
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("read memory: %w", err)
	}
	snap.MemoryTotalBytes = vm.Total
	snap.MemoryFreeBytes = vm.Available

	// Disk figures are informational; a missing mount point must not
	// keep the node from advertising at all.
	if du, err := disk.UsageWithContext(ctx, s.cfg.DiskPath); err == nil {
		snap.DiskTotalBytes = du.Total
		snap.DiskFreeBytes = du.Free
	} else {
		s.logger.Debug("disk usage unavailable",
			zap.String("path", s.cfg.DiskPath), zap.Error(err))
	}

	return snap, nil
}

// detectAccelerator probes for a usable GPU. The check is intentionally
// coarse: schedulers only need a presence flag, not device topology.
func detectAccelerator() (bool, string) {
	if v := os.Getenv(gpuEnvVar); v != "" && v != "0" && v != "false" {
		return true, v
	}
	for _, dev := range []string{"/dev/nvidia0", "/dev/nvidiactl"} {
		if _, err := os.Stat(dev); err == nil {
			return true, "nvidia"
		}
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return true, "metal"
	}
	return false, ""
}
