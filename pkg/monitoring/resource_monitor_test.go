package monitoring

import (
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testConfig() Config {
	return Config{
		Enabled:            true,
		MonitoringInterval: time.Hour, // cycles are driven manually in tests
		HistorySize:        10,
		DiskPath:           "/",
		LeakWindowSamples:  3,
		LeakGrowthMB:       100,
		Thresholds: Thresholds{
			MemoryWarningMB:     512,
			MemoryCriticalMB:    1024,
			CPUWarningPercent:   70,
			CPUCriticalPercent:  90,
			DiskWarningPercent:  80,
			DiskCriticalPercent: 95,
		},
	}
}

func TestCheckThresholdsRaisesWarning(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	critical := rm.checkThresholds(Snapshot{MemoryMB: 600, CPUPercent: 10, DiskPercent: 10})

	assert.False(t, critical)
	warnings := rm.Alerts(LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "memory", warnings[0].Type)
	assert.Equal(t, 600.0, warnings[0].Value)
	assert.Equal(t, 512.0, warnings[0].Threshold)
	assert.Empty(t, rm.Alerts(LevelCritical))
}

func TestCheckThresholdsRaisesCritical(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	critical := rm.checkThresholds(Snapshot{MemoryMB: 2048, CPUPercent: 10, DiskPercent: 10})

	assert.True(t, critical)
	alerts := rm.Alerts(LevelCritical)
	require.Len(t, alerts, 1)
	assert.Equal(t, "memory", alerts[0].Type)
	// At most one alert per metric per check: no extra warning for the same
	// memory reading
	assert.Empty(t, rm.Alerts(LevelWarning))
}

func TestCheckThresholdsMultipleMetrics(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	critical := rm.checkThresholds(Snapshot{MemoryMB: 600, CPUPercent: 95, DiskPercent: 85})

	assert.True(t, critical)
	assert.Len(t, rm.Alerts(LevelWarning), 2)  // memory, disk
	assert.Len(t, rm.Alerts(LevelCritical), 1) // cpu
	assert.Len(t, rm.Alerts(""), 3)
}

func TestCheckThresholdsUsesResponseTimeProvider(t *testing.T) {
	config := testConfig()
	config.Thresholds.ResponseTimeWarningMS = 100
	config.Thresholds.ResponseTimeCriticalMS = 500

	rm, err := NewResourceMonitor(config, testLogger())
	require.NoError(t, err)
	rm.SetResponseTimeProvider(func() time.Duration { return 700 * time.Millisecond })

	critical := rm.checkThresholds(Snapshot{})

	assert.True(t, critical)
	alerts := rm.Alerts(LevelCritical)
	require.Len(t, alerts, 1)
	assert.Equal(t, "response_time", alerts[0].Type)
}

func TestMitigateForcesGarbageCollection(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	rm.mitigate()

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	assert.Greater(t, after.NumForcedGC, before.NumForcedGC)
}

func TestClearAlerts(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	rm.checkThresholds(Snapshot{MemoryMB: 2048})
	require.NotEmpty(t, rm.Alerts(""))

	rm.ClearAlerts()
	assert.Empty(t, rm.Alerts(""))
}

func TestHistoryIsBounded(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		rm.appendSnapshot(Snapshot{MemoryMB: float64(i), Timestamp: time.Now()})
	}

	assert.Equal(t, 10, rm.HistoryLen())
	// The retained window holds the newest samples
	assert.Equal(t, 24.0, rm.CurrentUsage().MemoryMB)
}

func TestUsageTrendsClassification(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		rm.appendSnapshot(Snapshot{
			Timestamp:  now.Add(time.Duration(i-5) * time.Minute),
			MemoryMB:   100 + float64(i)*20, // strong growth
			CPUPercent: 50,                  // flat
		})
	}

	trends := rm.UsageTrends(time.Hour)

	assert.Equal(t, 5, trends.Samples)
	assert.Equal(t, "increasing", trends.MemoryTrend)
	assert.Equal(t, "stable", trends.CPUTrend)
	assert.Equal(t, 180.0, trends.CurrentMemoryMB)
	assert.Equal(t, 180.0, trends.PeakMemoryMB)
	assert.InDelta(t, 140.0, trends.AvgMemoryMB, 0.01)
}

func TestUsageTrendsRespectsWindow(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now().UTC()
	rm.appendSnapshot(Snapshot{Timestamp: now.Add(-2 * time.Hour), MemoryMB: 999})
	rm.appendSnapshot(Snapshot{Timestamp: now.Add(-time.Minute), MemoryMB: 100})
	rm.appendSnapshot(Snapshot{Timestamp: now, MemoryMB: 102})

	trends := rm.UsageTrends(10 * time.Minute)

	assert.Equal(t, 2, trends.Samples)
	assert.Equal(t, 102.0, trends.PeakMemoryMB, "sample outside the window must be ignored")
}

func TestClassifyTrend(t *testing.T) {
	assert.Equal(t, "increasing", classifyTrend(100, 110))
	assert.Equal(t, "decreasing", classifyTrend(100, 90))
	assert.Equal(t, "stable", classifyTrend(100, 103))
	assert.Equal(t, "stable", classifyTrend(0, 0))
}

func TestTrackOperationSuccessRate(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	// Nothing tracked yet reads as fully successful
	assert.Equal(t, 1.0, rm.OperationSuccessRate())

	rm.TrackOperation(true)
	rm.TrackOperation(true)
	rm.TrackOperation(true)
	rm.TrackOperation(false)

	assert.InDelta(t, 0.75, rm.OperationSuccessRate(), 0.001)
}

func TestCollectSnapshotIncludesGauges(t *testing.T) {
	rm, err := NewResourceMonitor(testConfig(), testLogger())
	require.NoError(t, err)

	rm.SetConnectionGauge(func() int { return 7 })
	rm.SetTaskGauge(func() int { return 3 })

	snapshot := rm.collectSnapshot()

	assert.Equal(t, 7, snapshot.ActiveConnections)
	assert.Equal(t, 3, snapshot.ActiveTasks)
	assert.Greater(t, snapshot.Goroutines, 0)
	assert.False(t, snapshot.Timestamp.IsZero())
}

func TestStartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	config := testConfig()
	config.MonitoringInterval = 20 * time.Millisecond

	rm, err := NewResourceMonitor(config, testLogger())
	require.NoError(t, err)

	require.NoError(t, rm.Start())
	// Second start is a no-op
	require.NoError(t, rm.Start())

	assert.Eventually(t, func() bool {
		return rm.HistoryLen() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rm.Stop())
	require.NoError(t, rm.Stop())
}

func TestDisabledMonitorDoesNotRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	config := testConfig()
	config.Enabled = false

	rm, err := NewResourceMonitor(config, testLogger())
	require.NoError(t, err)

	require.NoError(t, rm.Start())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rm.HistoryLen())
	require.NoError(t, rm.Stop())
}
