package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/pkg/logger"
)

// historyLimit caps the per-service rolling latency history.
const historyLimit = 100

// Aggregator collects global request counters, per-service latency history
// and a periodically sampled request rate. Per-instance counters live on the
// ServiceInstance itself and die with it; the aggregator only snapshots them.
type Aggregator struct {
	// Global counters
	totalRequests int64
	totalFailures int64

	mu              sync.RWMutex
	history         map[string][]float64
	requestsPerSec  float64
	lastSampleTime  time.Time
	lastSampleCount int64
	startTime       time.Time

	logger   *logger.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

// NewAggregator creates a stats aggregator.
func NewAggregator(log *logger.Logger) *Aggregator {
	now := time.Now()
	return &Aggregator{
		history:        make(map[string][]float64),
		lastSampleTime: now,
		startTime:      now,
		logger:         log.StatsLogger(),
		stopChan:       make(chan struct{}),
	}
}

// RecordSelection counts a successful instance selection.
func (a *Aggregator) RecordSelection(service string) {
	atomic.AddInt64(&a.totalRequests, 1)
	incSelectionCounter(service)
}

// RecordRelease folds a request completion into the global counters and the
// per-service latency history. measured is false when the caller supplied no
// response time.
func (a *Aggregator) RecordRelease(service string, latencyMs float64, measured, success bool) {
	if !success {
		atomic.AddInt64(&a.totalFailures, 1)
	}
	incReleaseCounter(service, success)

	if !measured {
		return
	}
	observeLatency(service, latencyMs)

	a.mu.Lock()
	defer a.mu.Unlock()

	samples := append(a.history[service], latencyMs)
	if len(samples) > historyLimit {
		samples = samples[len(samples)-historyLimit:]
	}
	a.history[service] = samples
}

// TotalRequests returns the number of selections served.
func (a *Aggregator) TotalRequests() int64 {
	return atomic.LoadInt64(&a.totalRequests)
}

// TotalFailures returns the number of failed releases.
func (a *Aggregator) TotalFailures() int64 {
	return atomic.LoadInt64(&a.totalFailures)
}

// RequestsPerSecond returns the most recently sampled request rate.
func (a *Aggregator) RequestsPerSecond() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.requestsPerSec
}

// ServiceHistory returns a copy of the rolling latency history for a service.
func (a *Aggregator) ServiceHistory(service string) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	samples := a.history[service]
	out := make([]float64, len(samples))
	copy(out, samples)
	return out
}

// DropService discards the latency history of a service group.
func (a *Aggregator) DropService(service string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.history, service)
}

// GlobalSnapshot returns the global counter set.
func (a *Aggregator) GlobalSnapshot() map[string]interface{} {
	total := atomic.LoadInt64(&a.totalRequests)
	failed := atomic.LoadInt64(&a.totalFailures)

	successRate := 1.0
	if total > 0 {
		successRate = float64(total-failed) / float64(total)
	}

	a.mu.RLock()
	rps := a.requestsPerSec
	services := len(a.history)
	a.mu.RUnlock()

	return map[string]interface{}{
		"total_requests":      total,
		"total_failures":      failed,
		"success_rate":        successRate,
		"requests_per_second": rps,
		"tracked_services":    services,
		"uptime_seconds":      time.Since(a.startTime).Seconds(),
	}
}

// InstanceSnapshot returns the per-instance counter view used by
// get_service_stats and the admin API.
func (a *Aggregator) InstanceSnapshot(instance *domain.ServiceInstance) map[string]interface{} {
	return map[string]interface{}{
		"instance_id":          instance.ID(),
		"service":              instance.Service(),
		"address":              instance.Address(),
		"status":               instance.Status().String(),
		"enabled":              instance.Enabled(),
		"weight":               instance.Weight(),
		"current_connections":  instance.CurrentConnections(),
		"total_requests":       instance.TotalRequests(),
		"failed_requests":      instance.FailedRequests(),
		"success_rate":         instance.SuccessRate(),
		"avg_response_time_ms": instance.AverageResponseTime(),
		"last_request_time":    instance.LastRequestTime(),
	}
}

// Start launches the periodic request-rate sampler.
func (a *Aggregator) Start(interval time.Duration) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.running {
		return
	}
	a.running = true
	a.stopChan = make(chan struct{})

	a.wg.Add(1)
	go a.rateLoop(interval)

	a.logger.WithField("interval", interval.String()).Info("Started request rate sampler")
}

// Stop terminates the rate sampler and waits for it to exit.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if !a.running {
		return
	}
	a.running = false
	close(a.stopChan)
	a.wg.Wait()
}

func (a *Aggregator) rateLoop(interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sampleRate()
		case <-a.stopChan:
			return
		}
	}
}

// sampleRate recomputes requests-per-second as a point rate over the window
// since the previous sample.
func (a *Aggregator) sampleRate() {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.WithField("panic", rec).Error("Request rate sampling panicked")
		}
	}()

	now := time.Now()
	count := atomic.LoadInt64(&a.totalRequests)

	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := now.Sub(a.lastSampleTime).Seconds()
	if elapsed <= 0 {
		return
	}

	a.requestsPerSec = float64(count-a.lastSampleCount) / elapsed
	a.lastSampleTime = now
	a.lastSampleCount = count

	setRequestRate(a.requestsPerSec)
}
