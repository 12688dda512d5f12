// Package monitor samples host resource usage while tasks run. The engine
// drives many concurrent sessions; the sampler gives operators early warning
// when the host is saturated and the concurrency cap should come down.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// SubjectMetrics is the bus subject system samples are published on.
const SubjectMetrics = "event.metrics"

// Sample is one host resource measurement.
type Sample struct {
	Timestamp     int64   `json:"timestamp"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	RunningTasks  int     `json:"running_tasks"`
}

// RunningCounter reports how many tasks are executing. Implemented by the
// scheduler.
type RunningCounter interface {
	RunningCount() int
}

// Monitor periodically samples CPU and memory, publishes each sample on the
// bus, and warns when usage stays above the threshold.
type Monitor struct {
	logger    *zap.Logger
	nc        *nats.Conn
	running   RunningCounter
	interval  time.Duration
	threshold float64

	mu   sync.RWMutex
	last Sample
}

// New creates a monitor. threshold is the usage percentage (CPU or memory)
// above which a warning is logged; zero disables the warning.
func New(logger *zap.Logger, nc *nats.Conn, running RunningCounter,
	interval time.Duration, threshold float64) *Monitor {

	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		logger:    logger.Named("monitor"),
		nc:        nc,
		running:   running,
		interval:  interval,
		threshold: threshold,
	}
}

// Start runs the sampling loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Current returns the most recent sample.
func (m *Monitor) Current() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	s := Sample{Timestamp: time.Now().Unix()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if m.running != nil {
		s.RunningTasks = m.running.RunningCount()
	}

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()

	if m.threshold > 0 && (s.CPUPercent > m.threshold || s.MemoryPercent > m.threshold) {
		m.logger.Warn("Host resource usage high",
			zap.Float64("cpu_percent", s.CPUPercent),
			zap.Float64("memory_percent", s.MemoryPercent),
			zap.Int("running_tasks", s.RunningTasks))
	}

	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := m.nc.Publish(SubjectMetrics, data); err != nil {
		m.logger.Warn("Failed to publish metrics", zap.Error(err))
	}
}
