// Package monitoring provides system resource monitoring with threshold
// alerting and automatic mitigation.
package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devq-ai/agentical-sub002/internal/metrics"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// AlertLevel classifies how far a metric strayed past its threshold.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Thresholds holds the warning/critical levels for each watched metric.
// Static configuration.
type Thresholds struct {
	MemoryWarningMB  float64 `yaml:"memory_warning_mb"`
	MemoryCriticalMB float64 `yaml:"memory_critical_mb"`

	CPUWarningPercent  float64 `yaml:"cpu_warning_percent"`
	CPUCriticalPercent float64 `yaml:"cpu_critical_percent"`

	DiskWarningPercent  float64 `yaml:"disk_warning_percent"`
	DiskCriticalPercent float64 `yaml:"disk_critical_percent"`

	ResponseTimeWarningMS  float64 `yaml:"response_time_warning_ms"`
	ResponseTimeCriticalMS float64 `yaml:"response_time_critical_ms"`
}

// Config holds configuration for resource monitoring
type Config struct {
	Enabled            bool          `yaml:"enabled"`
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	HistorySize        int           `yaml:"history_size"`
	DiskPath           string        `yaml:"disk_path"`
	Thresholds         Thresholds    `yaml:"thresholds"`
	LeakWindowSamples  int           `yaml:"leak_window_samples"`
	LeakGrowthMB       float64       `yaml:"leak_growth_mb"`
}

// Snapshot is one point-in-time reading of process and system metrics.
// Appended to a bounded rolling history.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	MemoryMB          float64   `json:"memory_mb"`
	MemoryPercent     float64   `json:"memory_percent"`
	CPUPercent        float64   `json:"cpu_percent"`
	DiskPercent       float64   `json:"disk_percent"`
	ActiveConnections int       `json:"active_connections"`
	ActiveTasks       int       `json:"active_tasks"`
	Goroutines        int       `json:"goroutines"`
	GCCycles          uint32    `json:"gc_cycles"`
	GCForced          uint32    `json:"gc_forced"`
}

// Alert records one threshold violation. Alerts are appended to the alert
// log and never silently dropped; callers may clear the log.
type Alert struct {
	Type      string     `json:"type"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

// Trends aggregates usage over a trailing window of the snapshot history.
type Trends struct {
	WindowMinutes   float64 `json:"window_minutes"`
	Samples         int     `json:"samples"`
	CurrentMemoryMB float64 `json:"current_memory_mb"`
	AvgMemoryMB     float64 `json:"avg_memory_mb"`
	PeakMemoryMB    float64 `json:"peak_memory_mb"`
	CurrentCPU      float64 `json:"current_cpu_percent"`
	AvgCPU          float64 `json:"avg_cpu_percent"`
	PeakCPU         float64 `json:"peak_cpu_percent"`
	MemoryTrend     string  `json:"memory_trend"`
	CPUTrend        string  `json:"cpu_trend"`
}

// ResourceMonitor periodically samples process/system metrics, raises
// threshold alerts, and triggers best-effort mitigation under critical
// pressure. State machine: stopped -> running -> stopped.
type ResourceMonitor struct {
	config Config
	logger *logrus.Logger
	proc   *process.Process

	historyMutex sync.RWMutex
	history      []Snapshot

	alertsMutex sync.Mutex
	alerts      []Alert

	// Gauges supplied by collaborators so snapshots can attribute load.
	connectionGauge      func() int
	taskGauge            func() int
	responseTimeProvider func() time.Duration

	opsTotal  int64
	opsFailed int64

	leakDetector *MemoryLeakDetector

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewResourceMonitor creates a monitor in the stopped state.
func NewResourceMonitor(config Config, logger *logrus.Logger) (*ResourceMonitor, error) {
	if config.MonitoringInterval <= 0 {
		config.MonitoringInterval = 30 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 720
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if config.LeakWindowSamples <= 0 {
		config.LeakWindowSamples = 60
	}
	if config.LeakGrowthMB <= 0 {
		config.LeakGrowthMB = 100
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}

	return &ResourceMonitor{
		config:       config,
		logger:       logger,
		proc:         proc,
		history:      make([]Snapshot, 0, config.HistorySize),
		leakDetector: NewMemoryLeakDetector(config.LeakWindowSamples, config.LeakGrowthMB, logger),
	}, nil
}

// SetConnectionGauge wires the active-connection count into snapshots.
func (rm *ResourceMonitor) SetConnectionGauge(gauge func() int) {
	rm.connectionGauge = gauge
}

// SetTaskGauge wires the active-task count into snapshots.
func (rm *ResourceMonitor) SetTaskGauge(gauge func() int) {
	rm.taskGauge = gauge
}

// SetResponseTimeProvider wires an observed latency source (e.g. the pool's
// query latency average) into threshold checking.
func (rm *ResourceMonitor) SetResponseTimeProvider(provider func() time.Duration) {
	rm.responseTimeProvider = provider
}

// Start launches the periodic sampling loop.
func (rm *ResourceMonitor) Start() error {
	if !rm.config.Enabled {
		rm.logger.Info("Resource monitoring disabled")
		return nil
	}
	if !rm.running.CompareAndSwap(false, true) {
		return nil
	}

	rm.ctx, rm.cancel = context.WithCancel(context.Background())

	rm.logger.WithFields(logrus.Fields{
		"monitoring_interval": rm.config.MonitoringInterval,
		"memory_critical_mb":  rm.config.Thresholds.MemoryCriticalMB,
		"cpu_critical_pct":    rm.config.Thresholds.CPUCriticalPercent,
		"disk_critical_pct":   rm.config.Thresholds.DiskCriticalPercent,
	}).Info("Starting resource monitor")

	rm.wg.Add(1)
	go rm.monitorLoop()

	return nil
}

// Stop cancels the sampling loop and awaits its completion.
func (rm *ResourceMonitor) Stop() error {
	if !rm.running.CompareAndSwap(true, false) {
		return nil
	}

	rm.logger.Info("Stopping resource monitor")
	rm.cancel()

	done := make(chan struct{})
	go func() {
		rm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rm.logger.Info("Resource monitor stopped cleanly")
	case <-time.After(5 * time.Second):
		rm.logger.Warn("Timeout waiting for resource monitor to stop")
	}

	return nil
}

func (rm *ResourceMonitor) monitorLoop() {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.config.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			rm.runCycle()
		}
	}
}

// runCycle takes one snapshot, checks thresholds, and mitigates if any
// critical alert fired.
func (rm *ResourceMonitor) runCycle() {
	snapshot := rm.collectSnapshot()
	rm.appendSnapshot(snapshot)

	if rm.leakDetector.Record(snapshot.MemoryMB) {
		growth := rm.leakDetector.Growth()
		rm.raiseAlert(Alert{
			Type:      "memory_leak",
			Level:     LevelWarning,
			Message:   fmt.Sprintf("Sustained memory growth of %.1f MB over the last %d samples", growth, rm.config.LeakWindowSamples),
			Value:     growth,
			Threshold: rm.config.LeakGrowthMB,
			Timestamp: time.Now(),
		})
	}

	critical := rm.checkThresholds(snapshot)
	if critical {
		rm.mitigate()
	}

	metrics.ProcessMemoryMB.Set(snapshot.MemoryMB)
	metrics.ProcessCPUPercent.Set(snapshot.CPUPercent)

	rm.logger.WithFields(logrus.Fields{
		"memory_mb":    fmt.Sprintf("%.1f", snapshot.MemoryMB),
		"cpu_percent":  fmt.Sprintf("%.1f", snapshot.CPUPercent),
		"disk_percent": fmt.Sprintf("%.1f", snapshot.DiskPercent),
		"active_tasks": snapshot.ActiveTasks,
		"goroutines":   snapshot.Goroutines,
	}).Debug("Resource snapshot collected")
}

// collectSnapshot reads current process and system metrics.
func (rm *ResourceMonitor) collectSnapshot() Snapshot {
	snapshot := Snapshot{
		Timestamp:  time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
	}

	if memInfo, err := rm.proc.MemoryInfo(); err == nil {
		snapshot.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}
	if memPct, err := rm.proc.MemoryPercent(); err == nil {
		snapshot.MemoryPercent = float64(memPct)
	}
	if cpuPct, err := rm.proc.Percent(0); err == nil {
		snapshot.CPUPercent = cpuPct
	}
	if usage, err := disk.Usage(rm.config.DiskPath); err == nil {
		snapshot.DiskPercent = usage.UsedPercent
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snapshot.GCCycles = memStats.NumGC
	snapshot.GCForced = memStats.NumForcedGC

	if rm.connectionGauge != nil {
		snapshot.ActiveConnections = rm.connectionGauge()
	}
	if rm.taskGauge != nil {
		snapshot.ActiveTasks = rm.taskGauge()
	}

	return snapshot
}

func (rm *ResourceMonitor) appendSnapshot(snapshot Snapshot) {
	rm.historyMutex.Lock()
	defer rm.historyMutex.Unlock()

	if len(rm.history) >= rm.config.HistorySize {
		rm.history = rm.history[1:]
	}
	rm.history = append(rm.history, snapshot)
}

// checkThresholds compares each metric to its warning/critical levels and
// raises one alert per violated metric. Returns true if any critical alert
// fired this cycle.
func (rm *ResourceMonitor) checkThresholds(snapshot Snapshot) bool {
	t := rm.config.Thresholds
	critical := false

	critical = rm.checkMetric("memory", snapshot.MemoryMB, t.MemoryWarningMB, t.MemoryCriticalMB, "MB") || critical
	critical = rm.checkMetric("cpu", snapshot.CPUPercent, t.CPUWarningPercent, t.CPUCriticalPercent, "%") || critical
	critical = rm.checkMetric("disk", snapshot.DiskPercent, t.DiskWarningPercent, t.DiskCriticalPercent, "%") || critical

	if rm.responseTimeProvider != nil {
		responseMS := float64(rm.responseTimeProvider()) / float64(time.Millisecond)
		critical = rm.checkMetric("response_time", responseMS, t.ResponseTimeWarningMS, t.ResponseTimeCriticalMS, "ms") || critical
	}

	return critical
}

// checkMetric raises at most one alert for a metric: critical when at or
// above the critical level, warning when between warning and critical.
func (rm *ResourceMonitor) checkMetric(name string, value, warning, critical float64, unit string) bool {
	if critical > 0 && value >= critical {
		rm.raiseAlert(Alert{
			Type:      name,
			Level:     LevelCritical,
			Message:   fmt.Sprintf("%s usage %.1f%s exceeded critical threshold %.1f%s", name, value, unit, critical, unit),
			Value:     value,
			Threshold: critical,
			Timestamp: time.Now(),
		})
		return true
	}

	if warning > 0 && value >= warning {
		rm.raiseAlert(Alert{
			Type:      name,
			Level:     LevelWarning,
			Message:   fmt.Sprintf("%s usage %.1f%s exceeded warning threshold %.1f%s", name, value, unit, warning, unit),
			Value:     value,
			Threshold: warning,
			Timestamp: time.Now(),
		})
	}
	return false
}

func (rm *ResourceMonitor) raiseAlert(alert Alert) {
	rm.alertsMutex.Lock()
	rm.alerts = append(rm.alerts, alert)
	rm.alertsMutex.Unlock()

	metrics.RecordAlert(alert.Type, string(alert.Level))

	entry := rm.logger.WithFields(logrus.Fields{
		"alert_type": alert.Type,
		"level":      alert.Level,
		"value":      alert.Value,
		"threshold":  alert.Threshold,
	})
	if alert.Level == LevelCritical {
		entry.Error(alert.Message)
	} else {
		entry.Warn(alert.Message)
	}
}

// mitigate forces a garbage-collection pass and returns memory to the OS.
// Best-effort: failure to reclaim anything is logged, never escalated.
func (rm *ResourceMonitor) mitigate() {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	runtime.GC()
	debug.FreeOSMemory()

	runtime.ReadMemStats(&after)
	metrics.GCMitigations.Inc()

	reclaimed := int64(before.HeapObjects) - int64(after.HeapObjects)
	rm.logger.WithFields(logrus.Fields{
		"heap_objects_before": before.HeapObjects,
		"heap_objects_after":  after.HeapObjects,
		"objects_reclaimed":   reclaimed,
	}).Info("Forced garbage collection after critical alert")
}

// CurrentUsage returns the most recent snapshot, taking a fresh one when the
// history is empty.
func (rm *ResourceMonitor) CurrentUsage() Snapshot {
	rm.historyMutex.RLock()
	if len(rm.history) > 0 {
		latest := rm.history[len(rm.history)-1]
		rm.historyMutex.RUnlock()
		return latest
	}
	rm.historyMutex.RUnlock()

	return rm.collectSnapshot()
}

// UsageTrends aggregates current/average/peak memory and CPU over the
// trailing window, with a simple trend classification comparing the last
// sample to the first.
func (rm *ResourceMonitor) UsageTrends(window time.Duration) Trends {
	cutoff := time.Now().UTC().Add(-window)

	rm.historyMutex.RLock()
	var samples []Snapshot
	for _, s := range rm.history {
		if s.Timestamp.After(cutoff) {
			samples = append(samples, s)
		}
	}
	rm.historyMutex.RUnlock()

	trends := Trends{
		WindowMinutes: window.Minutes(),
		Samples:       len(samples),
		MemoryTrend:   "stable",
		CPUTrend:      "stable",
	}
	if len(samples) == 0 {
		return trends
	}

	last := samples[len(samples)-1]
	trends.CurrentMemoryMB = last.MemoryMB
	trends.CurrentCPU = last.CPUPercent

	for _, s := range samples {
		trends.AvgMemoryMB += s.MemoryMB
		trends.AvgCPU += s.CPUPercent
		if s.MemoryMB > trends.PeakMemoryMB {
			trends.PeakMemoryMB = s.MemoryMB
		}
		if s.CPUPercent > trends.PeakCPU {
			trends.PeakCPU = s.CPUPercent
		}
	}
	trends.AvgMemoryMB /= float64(len(samples))
	trends.AvgCPU /= float64(len(samples))

	trends.MemoryTrend = classifyTrend(samples[0].MemoryMB, last.MemoryMB)
	trends.CPUTrend = classifyTrend(samples[0].CPUPercent, last.CPUPercent)

	return trends
}

// classifyTrend compares last to first with a 5% band around stable.
func classifyTrend(first, last float64) string {
	if first <= 0 {
		return "stable"
	}
	change := (last - first) / first
	switch {
	case change > 0.05:
		return "increasing"
	case change < -0.05:
		return "decreasing"
	default:
		return "stable"
	}
}

// Alerts returns the alert log, optionally filtered by level. An empty level
// returns everything.
func (rm *ResourceMonitor) Alerts(level AlertLevel) []Alert {
	rm.alertsMutex.Lock()
	defer rm.alertsMutex.Unlock()

	if level == "" {
		out := make([]Alert, len(rm.alerts))
		copy(out, rm.alerts)
		return out
	}

	var out []Alert
	for _, alert := range rm.alerts {
		if alert.Level == level {
			out = append(out, alert)
		}
	}
	return out
}

// ClearAlerts empties the alert log.
func (rm *ResourceMonitor) ClearAlerts() {
	rm.alertsMutex.Lock()
	defer rm.alertsMutex.Unlock()
	rm.alerts = nil
}

// TrackOperation lets external callers attribute operation outcomes to the
// monitor's running success-rate tally, independent of the sampling loop.
func (rm *ResourceMonitor) TrackOperation(success bool) {
	atomic.AddInt64(&rm.opsTotal, 1)
	if !success {
		atomic.AddInt64(&rm.opsFailed, 1)
	}
}

// OperationSuccessRate returns the tracked success rate, or 1 when nothing
// has been tracked yet.
func (rm *ResourceMonitor) OperationSuccessRate() float64 {
	total := atomic.LoadInt64(&rm.opsTotal)
	if total == 0 {
		return 1
	}
	failed := atomic.LoadInt64(&rm.opsFailed)
	return float64(total-failed) / float64(total)
}

// HistoryLen returns the number of stored snapshots.
func (rm *ResourceMonitor) HistoryLen() int {
	rm.historyMutex.RLock()
	defer rm.historyMutex.RUnlock()
	return len(rm.history)
}
