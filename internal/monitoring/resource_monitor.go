package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rama-kairi/termpool/internal/logger"
	"github.com/rama-kairi/termpool/internal/terminal"
)

const maxSamples = 1000

// TerminalStats is implemented by *terminal.Manager.
type TerminalStats interface {
	Stats() terminal.Stats
}

// ResourceMetrics holds resource usage metrics
type ResourceMetrics struct {
	Timestamp       time.Time `json:"timestamp"`
	Goroutines      int       `json:"goroutines"`
	MemoryAlloc     uint64    `json:"memory_alloc_mb"`
	MemoryHeapInuse uint64    `json:"memory_heap_inuse_mb"`
	MemoryHeapObjs  uint64    `json:"memory_heap_objects"`
	GCCount         uint32    `json:"gc_count"`
	TrackedTerms    int       `json:"tracked_terminals"`
	BusyTerms       int       `json:"busy_terminals"`
	HotProcesses    int       `json:"hot_processes"`
}

// ResourceMonitor samples runtime and terminal counts and warns on goroutine
// or memory growth, which usually means shells or processes are leaking.
type ResourceMonitor struct {
	logger   *logger.Logger
	metrics  []ResourceMetrics
	mutex    sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration

	// Baseline metrics for leak detection
	baselineGoroutines int
	baselineMemory     uint64

	maxGoroutineIncrease int
	maxMemoryIncreaseMB  int

	terminals TerminalStats
}

// NewResourceMonitor creates a monitor sampling every interval. A
// goroutineThreshold of zero or less falls back to 100.
func NewResourceMonitor(log *logger.Logger, interval time.Duration, goroutineThreshold int) *ResourceMonitor {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	if goroutineThreshold <= 0 {
		goroutineThreshold = 100
	}

	return &ResourceMonitor{
		logger:               log.WithComponent("monitor"),
		metrics:              make([]ResourceMetrics, 0, maxSamples),
		interval:             interval,
		stopCh:               make(chan struct{}),
		baselineGoroutines:   runtime.NumGoroutine(),
		baselineMemory:       m.Alloc,
		maxGoroutineIncrease: goroutineThreshold,
		maxMemoryIncreaseMB:  200,
	}
}

// SetTerminalStats sets the source of terminal counts.
func (rm *ResourceMonitor) SetTerminalStats(src TerminalStats) {
	rm.terminals = src
}

// Start begins resource monitoring
func (rm *ResourceMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)

	go func() {
		defer ticker.Stop()

		rm.recordMetrics()

		for {
			select {
			case <-ticker.C:
				rm.recordMetrics()
				rm.checkForLeaks()
			case <-rm.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	rm.logger.Info("Resource monitor started", map[string]interface{}{
		"interval":            rm.interval.String(),
		"baseline_goroutines": rm.baselineGoroutines,
		"baseline_memory_mb":  rm.baselineMemory / 1024 / 1024,
		"goroutine_threshold": rm.maxGoroutineIncrease,
	})
}

// Stop stops resource monitoring. Safe to call more than once.
func (rm *ResourceMonitor) Stop() {
	rm.stopOnce.Do(func() {
		close(rm.stopCh)
		rm.logger.Info("Resource monitor stopped")
	})
}

// recordMetrics captures current resource usage
func (rm *ResourceMonitor) recordMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	metric := ResourceMetrics{
		Timestamp:       time.Now(),
		Goroutines:      runtime.NumGoroutine(),
		MemoryAlloc:     m.Alloc / 1024 / 1024,
		MemoryHeapInuse: m.HeapInuse / 1024 / 1024,
		MemoryHeapObjs:  m.HeapObjects,
		GCCount:         m.NumGC,
	}

	if rm.terminals != nil {
		stats := rm.terminals.Stats()
		metric.TrackedTerms = stats.Tracked
		metric.BusyTerms = stats.Busy
		metric.HotProcesses = stats.Hot
	}

	rm.mutex.Lock()
	rm.metrics = append(rm.metrics, metric)
	if len(rm.metrics) > maxSamples {
		rm.metrics = rm.metrics[1:]
	}
	rm.mutex.Unlock()

	rm.logger.Debug("Resource sample", map[string]interface{}{
		"goroutines":        metric.Goroutines,
		"memory_alloc_mb":   metric.MemoryAlloc,
		"tracked_terminals": metric.TrackedTerms,
		"busy_terminals":    metric.BusyTerms,
		"hot_processes":     metric.HotProcesses,
	})
}

// checkForLeaks compares the latest sample against the baseline
func (rm *ResourceMonitor) checkForLeaks() {
	rm.mutex.RLock()
	if len(rm.metrics) == 0 {
		rm.mutex.RUnlock()
		return
	}
	current := rm.metrics[len(rm.metrics)-1]
	rm.mutex.RUnlock()

	goroutineIncrease := current.Goroutines - rm.baselineGoroutines
	memoryIncreaseMB := int(current.MemoryAlloc) - int(rm.baselineMemory/1024/1024)

	if goroutineIncrease > rm.maxGoroutineIncrease {
		rm.logger.Warn("potential_goroutine_leak", map[string]interface{}{
			"current_goroutines":  current.Goroutines,
			"baseline_goroutines": rm.baselineGoroutines,
			"increase":            goroutineIncrease,
			"threshold":           rm.maxGoroutineIncrease,
			"tracked_terminals":   current.TrackedTerms,
			"busy_terminals":      current.BusyTerms,
		})
	}

	if memoryIncreaseMB > rm.maxMemoryIncreaseMB {
		rm.logger.Warn("potential_memory_leak", map[string]interface{}{
			"current_memory_mb":  current.MemoryAlloc,
			"baseline_memory_mb": rm.baselineMemory / 1024 / 1024,
			"increase_mb":        memoryIncreaseMB,
			"threshold_mb":       rm.maxMemoryIncreaseMB,
			"heap_objects":       current.MemoryHeapObjs,
			"tracked_terminals":  current.TrackedTerms,
		})
	}
}

// GetCurrentMetrics returns the latest sample
func (rm *ResourceMonitor) GetCurrentMetrics() ResourceMetrics {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	if len(rm.metrics) == 0 {
		return ResourceMetrics{}
	}
	return rm.metrics[len(rm.metrics)-1]
}

// GetResourceSummary returns a summary of resource usage
func (rm *ResourceMonitor) GetResourceSummary() map[string]interface{} {
	current := rm.GetCurrentMetrics()

	goroutineIncrease := current.Goroutines - rm.baselineGoroutines
	memoryIncreaseMB := int(current.MemoryAlloc) - int(rm.baselineMemory/1024/1024)

	return map[string]interface{}{
		"timestamp":                current.Timestamp.Format(time.RFC3339),
		"goroutines":               current.Goroutines,
		"goroutines_increase":      goroutineIncrease,
		"memory_alloc_mb":          current.MemoryAlloc,
		"memory_increase_mb":       memoryIncreaseMB,
		"heap_objects":             current.MemoryHeapObjs,
		"gc_count":                 current.GCCount,
		"tracked_terminals":        current.TrackedTerms,
		"busy_terminals":           current.BusyTerms,
		"hot_processes":            current.HotProcesses,
		"potential_goroutine_leak": goroutineIncrease > rm.maxGoroutineIncrease,
		"potential_memory_leak":    memoryIncreaseMB > rm.maxMemoryIncreaseMB,
	}
}
