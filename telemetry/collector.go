package telemetry

import (
	"sync"
	"time"
)

// StatsProvider exposes a point-in-time view of hive membership
type StatsProvider interface {
	StatusCounts() map[string]int
	VersionNumbers() (major, minor uint64)
	IsMaster() bool
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// statuses seen in earlier rounds, zeroed when they disappear
	seen map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	counts := mc.provider.StatusCounts()
	for status := range mc.seen {
		if _, ok := counts[status]; !ok {
			HiveCells.With(status).Set(0)
		}
	}
	for status, n := range counts {
		HiveCells.With(status).Set(float64(n))
		mc.seen[status] = struct{}{}
	}

	major, minor := mc.provider.VersionNumbers()
	HiveMajorVersion.Set(float64(major))
	HiveMinorVersion.Set(float64(minor))

	if mc.provider.IsMaster() {
		HiveIsMaster.Set(1)
	} else {
		HiveIsMaster.Set(0)
	}
}
