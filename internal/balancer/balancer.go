package balancer

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/internal/errors"
	"github.com/mcpmesh/balancer/internal/registry"
	"github.com/mcpmesh/balancer/internal/rules"
	"github.com/mcpmesh/balancer/internal/stats"
	"github.com/mcpmesh/balancer/pkg/logger"
)

// DefaultWeight is the routing weight assigned when add_service is called
// without an explicit weight.
const DefaultWeight = 100

// Settings tunes the balancer's background loops and the adaptive weight
// bounds.
type Settings struct {
	AdaptiveEnabled  bool
	AdaptiveInterval time.Duration
	StatsInterval    time.Duration
	SessionTTL       time.Duration
	MinWeight        int
	MaxWeight        int
	Hysteresis       int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		AdaptiveEnabled:  true,
		AdaptiveInterval: 60 * time.Second,
		StatsInterval:    10 * time.Second,
		SessionTTL:       30 * time.Minute,
		MinWeight:        10,
		MaxWeight:        200,
		Hysteresis:       5,
	}
}

// Balancer is the service-selection engine. It owns the instance registry,
// the rule matcher, the selection algorithms and the feedback loops, and is
// constructed explicitly rather than held in a process-wide singleton.
type Balancer struct {
	settings   Settings
	registry   *registry.InstanceRegistry
	matcher    *rules.Matcher
	stats      *stats.Aggregator
	adaptive   *AdaptiveController
	algorithms map[domain.Algorithm]SelectionAlgorithm
	logger     *logger.Logger
}

// New creates a balancer with the given settings.
func New(settings Settings, log *logger.Logger) *Balancer {
	return NewWithRand(settings, log, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand creates a balancer using the supplied random source for the
// randomized algorithms. Tests pass a seeded source.
func NewWithRand(settings Settings, log *logger.Logger, rng *rand.Rand) *Balancer {
	reg := registry.NewInstanceRegistry(settings.SessionTTL, log)

	b := &Balancer{
		settings:   settings,
		registry:   reg,
		matcher:    rules.NewMatcher(),
		stats:      stats.NewAggregator(log),
		algorithms: newAlgorithmSet(reg, newLockedRand(rng)),
		logger:     log.BalancerLogger(),
	}
	b.adaptive = NewAdaptiveController(reg, settings, log)
	return b
}

// Registry exposes the instance registry to the admin surface.
func (b *Balancer) Registry() *registry.InstanceRegistry {
	return b.registry
}

// Stats exposes the stats aggregator.
func (b *Balancer) Stats() *stats.Aggregator {
	return b.stats
}

// Start launches the adaptive weight controller and the request-rate
// sampler.
func (b *Balancer) Start() {
	b.stats.Start(b.settings.StatsInterval)
	if b.settings.AdaptiveEnabled {
		b.adaptive.Start()
	}
	b.logger.Info("Balancer started")
}

// Stop terminates the background loops and waits for them to exit.
func (b *Balancer) Stop() {
	b.adaptive.Stop()
	b.stats.Stop()
	b.logger.Info("Balancer stopped")
}

// AddService registers a new instance. weight <= 0 selects DefaultWeight.
// A duplicate id is rejected, returning false.
func (b *Balancer) AddService(descriptor domain.ServiceDescriptor, weight int) bool {
	if weight <= 0 {
		weight = DefaultWeight
	}
	return b.registry.AddInstance(descriptor, weight)
}

// RemoveService deregisters an instance, purging its sticky sessions, its
// metric series and, if the group became empty, the group's latency history.
func (b *Balancer) RemoveService(id string) bool {
	instance, removed := b.registry.RemoveInstance(id)
	if !removed {
		return false
	}

	service := instance.Service()
	stats.ForgetInstance(service, id)
	if len(b.registry.GroupMembers(service)) == 0 {
		b.stats.DropService(service)
	}
	return true
}

// UpdateServiceWeight sets an instance's weight verbatim (no clamping) and
// rebuilds the owning group's hash ring.
func (b *Balancer) UpdateServiceWeight(id string, weight int) bool {
	return b.registry.UpdateWeight(id, weight)
}

// SetInstanceStatus is the entry point for the external discovery/health
// component to push an instance's status.
func (b *Balancer) SetInstanceStatus(id string, status domain.InstanceStatus) bool {
	instance, exists := b.registry.Instance(id)
	if !exists {
		return false
	}
	instance.SetStatus(status)
	return true
}

// SetInstanceEnabled toggles the administrative enabled flag.
func (b *Balancer) SetInstanceEnabled(id string, enabled bool) bool {
	instance, exists := b.registry.Instance(id)
	if !exists {
		return false
	}
	instance.SetEnabled(enabled)
	return true
}

// AddBalancingRule registers a rule. Rules with an unknown algorithm or a
// duplicate id are rejected.
func (b *Balancer) AddBalancingRule(rule domain.BalancingRule) bool {
	if !rule.Algorithm.Valid() {
		b.logger.WithFields(map[string]interface{}{
			"rule_id":   rule.ID,
			"algorithm": string(rule.Algorithm),
		}).Warn("Rejected rule with unknown algorithm")
		return false
	}
	return b.matcher.Add(rule)
}

// RemoveBalancingRule deletes a rule by id.
func (b *Balancer) RemoveBalancingRule(id string) bool {
	return b.matcher.Remove(id)
}

// Rules returns the registered rules in registration order.
func (b *Balancer) Rules() []domain.BalancingRule {
	return b.matcher.Rules()
}

// SelectService resolves the rule for the service, honors sticky sessions,
// dispatches the selection algorithm and applies the load accounting to the
// chosen instance. The only caller-visible failure is an empty eligible set.
func (b *Balancer) SelectService(service string, opts domain.SelectOptions) (*domain.ServiceInstance, error) {
	eligible := b.registry.AvailableInstances(service)
	if len(eligible) == 0 {
		return nil, errors.NewNoInstancesError(service)
	}

	rule, matched := b.matcher.Match(service)
	if !matched {
		rule = domain.DefaultRule()
	}

	// Sticky-session precedence: a live mapping whose target is still
	// eligible bypasses the algorithm entirely.
	if rule.StickySessions && opts.SessionID != "" {
		if boundID, found := b.registry.Sessions().Lookup(opts.SessionID); found {
			for _, instance := range eligible {
				if instance.ID() == boundID {
					b.applySelection(service, instance)
					return instance, nil
				}
			}
		}
	}

	chosen, err := b.dispatch(rule.Algorithm, service, eligible, opts)
	if err != nil {
		// Availability beats algorithmic correctness: degrade to the
		// first eligible instance and self-heal on the next call.
		b.logger.WithError(err).WithFields(map[string]interface{}{
			"service":   service,
			"algorithm": string(rule.Algorithm),
		}).Warn("Selection algorithm failed, falling back to first eligible instance")
		chosen = eligible[0]
	}
	if chosen == nil {
		return nil, errors.NewNoInstancesError(service)
	}

	if rule.StickySessions && opts.SessionID != "" {
		b.registry.Sessions().Bind(opts.SessionID, chosen.ID())
	}

	b.applySelection(service, chosen)
	return chosen, nil
}

// dispatch runs the algorithm, converting panics into errors so a buggy
// variant can never take down the request path.
func (b *Balancer) dispatch(algorithm domain.Algorithm, service string, eligible []*domain.ServiceInstance, opts domain.SelectOptions) (chosen *domain.ServiceInstance, err error) {
	impl, exists := b.algorithms[algorithm]
	if !exists {
		return nil, errors.NewError(errors.ErrCodeUnknownAlgorithm, "balancer",
			fmt.Sprintf("no implementation for algorithm %s", algorithm))
	}

	defer func() {
		if rec := recover(); rec != nil {
			chosen = nil
			err = errors.NewAlgorithmError(impl.Name(), fmt.Errorf("panic: %v", rec))
		}
	}()

	chosen, err = impl.Select(service, eligible, opts)
	if err != nil {
		err = errors.NewAlgorithmError(impl.Name(), err)
	}
	return chosen, err
}

// applySelection performs the load accounting the algorithms themselves
// stay free of.
func (b *Balancer) applySelection(service string, instance *domain.ServiceInstance) {
	instance.IncrementConnections()
	instance.IncrementRequests()
	instance.TouchLastRequest()
	b.stats.RecordSelection(service)
}

// ReleaseService returns a selection. responseTime <= 0 means the caller has
// no measurement; success=false counts a failure. Calling release more often
// than select leaves the connection count floored at zero.
func (b *Balancer) ReleaseService(id string, responseTime time.Duration, success bool) {
	instance, exists := b.registry.Instance(id)
	if !exists {
		b.logger.WithField("instance_id", id).Debug("Release for unknown instance ignored")
		return
	}

	instance.DecrementConnections()
	if !success {
		instance.IncrementFailures()
	}

	measured := responseTime > 0
	latencyMs := float64(responseTime) / float64(time.Millisecond)
	if measured {
		instance.ObserveResponseTime(latencyMs)
	}
	instance.TouchLastRequest()

	b.stats.RecordRelease(instance.Service(), latencyMs, measured, success)
}

// GetServiceStats returns the per-instance stats for the given id, or the
// global snapshot when id is empty. An unknown id yields nil.
func (b *Balancer) GetServiceStats(id string) map[string]interface{} {
	if id == "" {
		snapshot := b.stats.GlobalSnapshot()
		snapshot["registered_instances"] = b.registry.Count()
		snapshot["sticky_sessions"] = b.registry.Sessions().Count()
		return snapshot
	}

	instance, exists := b.registry.Instance(id)
	if !exists {
		return nil
	}
	return b.stats.InstanceSnapshot(instance)
}

// Instances returns a snapshot of every registered instance.
func (b *Balancer) Instances() []*domain.ServiceInstance {
	return b.registry.Instances()
}
