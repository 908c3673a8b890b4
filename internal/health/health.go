// Package health samples host memory, CPU, and temperature, and raises
// a critical signal when a configured threshold is crossed. Monitoring
// is advisory: it never touches hardware or credentials itself.
package health

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// Sample is one point-in-time health reading. Ephemeral; only the most
// recent sample is retained.
type Sample struct {
	At            time.Time
	MemoryPercent float64
	CPUPercent    float64
	Temperature   float64
}

// Thresholds are the critical limits. A zero threshold disables that
// check.
type Thresholds struct {
	MemoryPercent float64
	CPUPercent    float64
	Temperature   float64
}

// Check returns the first crossed threshold, or ok.
func (t Thresholds) Check(s Sample) (reason string, critical bool) {
	if t.MemoryPercent > 0 && s.MemoryPercent >= t.MemoryPercent {
		return fmt.Sprintf("memory %.1f%% >= %.1f%%", s.MemoryPercent, t.MemoryPercent), true
	}
	if t.CPUPercent > 0 && s.CPUPercent >= t.CPUPercent {
		return fmt.Sprintf("cpu %.1f%% >= %.1f%%", s.CPUPercent, t.CPUPercent), true
	}
	if t.Temperature > 0 && s.Temperature >= t.Temperature {
		return fmt.Sprintf("temperature %.1fC >= %.1fC", s.Temperature, t.Temperature), true
	}
	return "", false
}

// Sampler produces health samples.
type Sampler interface {
	Sample() (Sample, error)
}

// HostSampler reads real host metrics via gopsutil, with the Pi thermal
// zone for temperature.
type HostSampler struct {
	now func() time.Time
}

// NewHostSampler creates a HostSampler.
func NewHostSampler() *HostSampler {
	return &HostSampler{now: time.Now}
}

// Sample reads memory, CPU, and temperature. Partial failures zero the
// affected metric rather than failing the whole sample.
func (h *HostSampler) Sample() (Sample, error) {
	s := Sample{At: h.now()}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	// Non-blocking CPU percent: usage since the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	s.Temperature = readTemperature()

	return s, nil
}

// readTemperature prefers the Pi thermal zone file; gopsutil sensors are
// the fallback for other hosts. Returns 0 when neither is available.
func readTemperature() float64 {
	if data, err := os.ReadFile(thermalZonePath); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			return milli / 1000.0
		}
	}
	if temps, err := host.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			key := strings.ToLower(t.SensorKey)
			if strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") {
				return t.Temperature
			}
		}
	}
	return 0
}

// Monitor runs the periodic sampling loop.
type Monitor struct {
	sampler Sampler
	thr     Thresholds
	log     *zap.Logger

	// OnCritical is invoked once per crossed sample.
	OnCritical func(Sample, string)
	// OnSample observes every successful sample (status tracking).
	OnSample func(Sample)
}

// NewMonitor creates a Monitor.
func NewMonitor(sampler Sampler, thr Thresholds, log *zap.Logger) *Monitor {
	return &Monitor{sampler: sampler, thr: thr, log: log}
}

// Run samples on every tick until ctx is cancelled. The tick channel is
// injected so tests control time.
func (m *Monitor) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}

		sample, err := m.sampler.Sample()
		if err != nil {
			m.log.Error("health sample failed", zap.Error(err))
			continue
		}
		if m.OnSample != nil {
			m.OnSample(sample)
		}

		if reason, critical := m.thr.Check(sample); critical {
			m.log.Error("health threshold crossed", zap.String("reason", reason),
				zap.Float64("memory", sample.MemoryPercent),
				zap.Float64("cpu", sample.CPUPercent),
				zap.Float64("temperature", sample.Temperature))
			if m.OnCritical != nil {
				m.OnCritical(sample, reason)
			}
		}
	}
}
