package telemetry

import (
	"sync"
	"time"
)

// WaiterCounter reports suspended long-poll clients.
type WaiterCounter interface {
	Len() int
}

// ShapeCounter reports materialized shape generations.
type ShapeCounter interface {
	ActiveShapes() int
}

// MetricsCollector periodically samples component stats into gauges.
type MetricsCollector struct {
	waiters  WaiterCounter
	shapes   ShapeCounter
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(waiters WaiterCounter, shapes ShapeCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		waiters:  waiters,
		shapes:   shapes,
		interval: interval,
		stopCh:   make(chan struct{}),
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
	if mc.waiters != nil {
		LiveWaiters.Set(float64(mc.waiters.Len()))
	}
	if mc.shapes != nil {
		ShapesActive.Set(float64(mc.shapes.ActiveShapes()))
	}
}
