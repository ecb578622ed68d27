package monitoring

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryLeakDetector keeps a fixed window of memory samples and flags
// sustained growth suggestive of a resource that is never released.
//
// The check is heuristic: it compares the newest sample against the oldest in
// the window and makes no attempt at root-cause diagnosis.
type MemoryLeakDetector struct {
	mutex      sync.Mutex
	samples    []float64
	windowSize int
	growthMB   float64
	logger     *logrus.Logger
}

// NewMemoryLeakDetector creates a detector over windowSize samples that
// triggers when growth across the window exceeds growthMB megabytes.
func NewMemoryLeakDetector(windowSize int, growthMB float64, logger *logrus.Logger) *MemoryLeakDetector {
	return &MemoryLeakDetector{
		samples:    make([]float64, 0, windowSize),
		windowSize: windowSize,
		growthMB:   growthMB,
		logger:     logger,
	}
}

// Record appends one memory sample and reports whether the window now shows
// leak-level growth. Suspicion requires a full window.
func (d *MemoryLeakDetector) Record(memoryMB float64) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.samples) >= d.windowSize {
		d.samples = d.samples[1:]
	}
	d.samples = append(d.samples, memoryMB)

	if len(d.samples) < d.windowSize {
		return false
	}

	growth := d.samples[len(d.samples)-1] - d.samples[0]
	if growth > d.growthMB {
		d.logger.WithFields(logrus.Fields{
			"growth_mb":    growth,
			"threshold_mb": d.growthMB,
			"window":       d.windowSize,
		}).Warn("Possible memory leak detected")
		return true
	}
	return false
}

// Growth returns the memory delta across the current window.
func (d *MemoryLeakDetector) Growth() float64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.samples) < 2 {
		return 0
	}
	return d.samples[len(d.samples)-1] - d.samples[0]
}
