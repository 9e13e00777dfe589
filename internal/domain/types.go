package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// InstanceStatus represents the health status of a service instance as
// reported by the external discovery subsystem.
type InstanceStatus string

const (
	// StatusRunning indicates the instance is healthy and may receive traffic
	StatusRunning InstanceStatus = "running"
	// StatusStarting indicates the instance is booting and not yet eligible
	StatusStarting InstanceStatus = "starting"
	// StatusStopped indicates the instance has been shut down
	StatusStopped InstanceStatus = "stopped"
	// StatusUnhealthy indicates the instance failed its last health probe
	StatusUnhealthy InstanceStatus = "unhealthy"
)

// String returns the string representation of InstanceStatus
func (s InstanceStatus) String() string {
	return string(s)
}

// ServiceDescriptor identifies a concrete backend instance of a logical
// service. Status is owned by the external discovery/health component and is
// only read here.
type ServiceDescriptor struct {
	ID      string         `json:"id" yaml:"id"`
	Service string         `json:"service" yaml:"service"`
	Address string         `json:"address" yaml:"address"`
	Status  InstanceStatus `json:"status" yaml:"status"`
}

// ServiceInstance is a registered backend instance with its routing weight
// and runtime load counters.
type ServiceInstance struct {
	descriptor ServiceDescriptor

	// Runtime counters - thread-safe using atomic operations
	currentConnections int64
	totalRequests      int64
	failedRequests     int64

	// Mutable routing state guarded by mu
	mu              sync.RWMutex
	weight          int
	avgResponseMs   float64
	lastRequestTime time.Time
	enabled         bool
}

// NewServiceInstance creates a new ServiceInstance with the given descriptor
// and initial weight.
func NewServiceInstance(descriptor ServiceDescriptor, weight int) *ServiceInstance {
	return &ServiceInstance{
		descriptor: descriptor,
		weight:     weight,
		enabled:    true,
	}
}

// ID returns the instance identifier.
func (si *ServiceInstance) ID() string {
	return si.descriptor.ID
}

// Service returns the logical service name the instance belongs to.
func (si *ServiceInstance) Service() string {
	return si.descriptor.Service
}

// Address returns the network address of the instance.
func (si *ServiceInstance) Address() string {
	return si.descriptor.Address
}

// Descriptor returns a copy of the instance descriptor.
func (si *ServiceInstance) Descriptor() ServiceDescriptor {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.descriptor
}

// Status returns the externally reported health status.
func (si *ServiceInstance) Status() InstanceStatus {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.descriptor.Status
}

// SetStatus records the health status pushed by the discovery component.
func (si *ServiceInstance) SetStatus(status InstanceStatus) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.descriptor.Status = status
}

// Enabled reports whether the instance is administratively enabled.
func (si *ServiceInstance) Enabled() bool {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.enabled
}

// SetEnabled toggles the administrative enabled flag.
func (si *ServiceInstance) SetEnabled(enabled bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.enabled = enabled
}

// Eligible reports whether the instance may be handed out by the selection
// engine: enabled and reported running by discovery.
func (si *ServiceInstance) Eligible() bool {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.enabled && si.descriptor.Status == StatusRunning
}

// Weight returns the current routing weight.
func (si *ServiceInstance) Weight() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.weight
}

// SetWeight replaces the routing weight.
func (si *ServiceInstance) SetWeight(weight int) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.weight = weight
}

// IncrementConnections atomically increments the in-flight connection count.
func (si *ServiceInstance) IncrementConnections() {
	atomic.AddInt64(&si.currentConnections, 1)
}

// DecrementConnections atomically decrements the in-flight connection count,
// flooring at zero so unmatched releases can never drive it negative.
func (si *ServiceInstance) DecrementConnections() {
	for {
		current := atomic.LoadInt64(&si.currentConnections)
		if current <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&si.currentConnections, current, current-1) {
			return
		}
	}
}

// CurrentConnections returns the in-flight connection count.
func (si *ServiceInstance) CurrentConnections() int64 {
	return atomic.LoadInt64(&si.currentConnections)
}

// IncrementRequests atomically increments the total request count.
func (si *ServiceInstance) IncrementRequests() {
	atomic.AddInt64(&si.totalRequests, 1)
}

// TotalRequests returns the total number of requests routed to the instance.
func (si *ServiceInstance) TotalRequests() int64 {
	return atomic.LoadInt64(&si.totalRequests)
}

// IncrementFailures atomically increments the failed request count.
func (si *ServiceInstance) IncrementFailures() {
	atomic.AddInt64(&si.failedRequests, 1)
}

// FailedRequests returns the number of failed requests.
func (si *ServiceInstance) FailedRequests() int64 {
	return atomic.LoadInt64(&si.failedRequests)
}

// SuccessRate returns the fraction of successful requests in [0,1].
// Instances that have never served a request report 1.0.
func (si *ServiceInstance) SuccessRate() float64 {
	total := atomic.LoadInt64(&si.totalRequests)
	if total == 0 {
		return 1.0
	}
	failed := atomic.LoadInt64(&si.failedRequests)
	return float64(total-failed) / float64(total)
}

// AverageResponseTime returns the smoothed response time in milliseconds.
// Zero means the instance has never been measured.
func (si *ServiceInstance) AverageResponseTime() float64 {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.avgResponseMs
}

// ObserveResponseTime folds a latency sample into the exponential moving
// average. The first sample seeds the average directly.
func (si *ServiceInstance) ObserveResponseTime(ms float64) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.avgResponseMs == 0 {
		si.avgResponseMs = ms
	} else {
		si.avgResponseMs = si.avgResponseMs*0.8 + ms*0.2
	}
}

// TouchLastRequest records the time of the most recent request.
func (si *ServiceInstance) TouchLastRequest() {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.lastRequestTime = time.Now()
}

// LastRequestTime returns the time of the most recent request.
func (si *ServiceInstance) LastRequestTime() time.Time {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.lastRequestTime
}

// Algorithm identifies a selection algorithm.
type Algorithm string

const (
	RoundRobin               Algorithm = "round_robin"
	WeightedRoundRobin       Algorithm = "weighted_round_robin"
	LeastConnections         Algorithm = "least_connections"
	WeightedLeastConnections Algorithm = "weighted_least_connections"
	Random                   Algorithm = "random"
	WeightedRandom           Algorithm = "weighted_random"
	ConsistentHash           Algorithm = "consistent_hash"
	IPHash                   Algorithm = "ip_hash"
	ResponseTime             Algorithm = "response_time"
)

// Algorithms lists every supported selection algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{
		RoundRobin,
		WeightedRoundRobin,
		LeastConnections,
		WeightedLeastConnections,
		Random,
		WeightedRandom,
		ConsistentHash,
		IPHash,
		ResponseTime,
	}
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case RoundRobin, WeightedRoundRobin, LeastConnections, WeightedLeastConnections,
		Random, WeightedRandom, ConsistentHash, IPHash, ResponseTime:
		return true
	}
	return false
}

// BalancingRule binds a service-name pattern to a selection algorithm and
// session policy. Rules are evaluated in registration order; the first
// enabled rule whose pattern matches wins.
type BalancingRule struct {
	ID             string    `json:"id" yaml:"id"`
	Pattern        string    `json:"pattern" yaml:"pattern"`
	Algorithm      Algorithm `json:"algorithm" yaml:"algorithm"`
	StickySessions bool      `json:"sticky_sessions" yaml:"sticky_sessions"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
}

// DefaultRule is the policy applied when no registered rule matches.
func DefaultRule() BalancingRule {
	return BalancingRule{
		Algorithm:      RoundRobin,
		StickySessions: false,
		Enabled:        true,
	}
}

// SelectOptions carries the optional per-request inputs to a selection.
type SelectOptions struct {
	SessionID      string
	ClientIP       string
	RequestContext map[string]interface{}
}
