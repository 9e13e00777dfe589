package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/internal/registry"
)

// SelectionAlgorithm picks one instance from a non-empty eligible set.
// Implementations are side-effect free on the instances; connection and
// request accounting is applied by the SelectService wrapper afterwards.
type SelectionAlgorithm interface {
	Select(service string, instances []*domain.ServiceInstance, opts domain.SelectOptions) (*domain.ServiceInstance, error)
	Name() string
}

// ringProvider supplies the current consistent-hash ring of a service group.
type ringProvider interface {
	Ring(service string) *registry.Ring
}

// lockedRand serializes access to a shared rand.Rand, which is not safe for
// concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	return &lockedRand{rng: rng}
}

func (lr *lockedRand) Intn(n int) int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rng.Intn(n)
}

// newAlgorithmSet builds the dispatch table once at construction, one
// implementation per algorithm variant.
func newAlgorithmSet(rings ringProvider, rng *lockedRand) map[domain.Algorithm]SelectionAlgorithm {
	return map[domain.Algorithm]SelectionAlgorithm{
		domain.RoundRobin:               newRoundRobinAlgorithm(),
		domain.WeightedRoundRobin:       &weightedRoundRobinAlgorithm{rng: rng},
		domain.LeastConnections:         &leastConnectionsAlgorithm{},
		domain.WeightedLeastConnections: &weightedLeastConnectionsAlgorithm{},
		domain.Random:                   &randomAlgorithm{rng: rng},
		domain.WeightedRandom:           &weightedRandomAlgorithm{rng: rng},
		domain.ConsistentHash:           &consistentHashAlgorithm{rings: rings},
		domain.IPHash:                   &ipHashAlgorithm{},
		domain.ResponseTime:             &responseTimeAlgorithm{},
	}
}

// roundRobinAlgorithm cycles through instances using one monotonically
// increasing counter per service name. The counter deliberately survives
// membership changes, so an add or remove shifts the cycle instead of
// resetting it.
type roundRobinAlgorithm struct {
	mu       sync.Mutex
	counters map[string]*uint64
}

func newRoundRobinAlgorithm() *roundRobinAlgorithm {
	return &roundRobinAlgorithm{counters: make(map[string]*uint64)}
}

func (a *roundRobinAlgorithm) counter(service string) *uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	counter, exists := a.counters[service]
	if !exists {
		counter = new(uint64)
		a.counters[service] = counter
	}
	return counter
}

func (a *roundRobinAlgorithm) Select(service string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	next := atomic.AddUint64(a.counter(service), 1)
	return instances[(next-1)%uint64(len(instances))], nil
}

func (a *roundRobinAlgorithm) Name() string {
	return string(domain.RoundRobin)
}

// weightedRoundRobinAlgorithm draws a uniform integer in [1, total weight]
// and walks the cumulative weights until the draw is covered. This is
// probabilistic weighted selection, kept bug-compatible with the behavior the
// coordinator has always shown, not a smooth nginx-style rotation.
type weightedRoundRobinAlgorithm struct {
	rng *lockedRand
}

func (a *weightedRoundRobinAlgorithm) Select(_ string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	totalWeight := 0
	for _, instance := range instances {
		totalWeight += instance.Weight()
	}
	if totalWeight <= 0 {
		return instances[a.rng.Intn(len(instances))], nil
	}

	draw := a.rng.Intn(totalWeight) + 1
	cumulative := 0
	for _, instance := range instances {
		cumulative += instance.Weight()
		if cumulative >= draw {
			return instance, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (a *weightedRoundRobinAlgorithm) Name() string {
	return string(domain.WeightedRoundRobin)
}

// leastConnectionsAlgorithm picks the instance with the fewest in-flight
// connections; ties keep the first-encountered instance.
type leastConnectionsAlgorithm struct{}

func (a *leastConnectionsAlgorithm) Select(_ string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	selected := instances[0]
	minConnections := selected.CurrentConnections()

	for _, instance := range instances[1:] {
		if connections := instance.CurrentConnections(); connections < minConnections {
			minConnections = connections
			selected = instance
		}
	}
	return selected, nil
}

func (a *leastConnectionsAlgorithm) Name() string {
	return string(domain.LeastConnections)
}

// weightedLeastConnectionsAlgorithm minimizes connections normalized by
// weight, so heavier instances absorb proportionally more load.
type weightedLeastConnectionsAlgorithm struct{}

func (a *weightedLeastConnectionsAlgorithm) Select(_ string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	loadOf := func(instance *domain.ServiceInstance) float64 {
		weight := instance.Weight()
		if weight < 1 {
			weight = 1
		}
		return float64(instance.CurrentConnections()) / float64(weight)
	}

	selected := instances[0]
	minLoad := loadOf(selected)

	for _, instance := range instances[1:] {
		if load := loadOf(instance); load < minLoad {
			minLoad = load
			selected = instance
		}
	}
	return selected, nil
}

func (a *weightedLeastConnectionsAlgorithm) Name() string {
	return string(domain.WeightedLeastConnections)
}

// randomAlgorithm picks uniformly among the eligible instances.
type randomAlgorithm struct {
	rng *lockedRand
}

func (a *randomAlgorithm) Select(_ string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	return instances[a.rng.Intn(len(instances))], nil
}

func (a *randomAlgorithm) Name() string {
	return string(domain.Random)
}

// weightedRandomAlgorithm picks with probability proportional to weight.
type weightedRandomAlgorithm struct {
	rng *lockedRand
}

func (a *weightedRandomAlgorithm) Select(_ string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	totalWeight := 0
	for _, instance := range instances {
		totalWeight += instance.Weight()
	}
	if totalWeight <= 0 {
		return instances[a.rng.Intn(len(instances))], nil
	}

	draw := a.rng.Intn(totalWeight)
	for _, instance := range instances {
		draw -= instance.Weight()
		if draw < 0 {
			return instance, nil
		}
	}
	return nil, fmt.Errorf("weighted random draw exhausted %d instances", len(instances))
}

func (a *weightedRandomAlgorithm) Name() string {
	return string(domain.WeightedRandom)
}

// consistentHashAlgorithm maps the client IP onto the group's hash ring and
// walks clockwise to the first virtual node owned by an eligible instance.
// An absent client IP hashes the empty string, which is stable too.
type consistentHashAlgorithm struct {
	rings ringProvider
}

func (a *consistentHashAlgorithm) Select(service string, instances []*domain.ServiceInstance, opts domain.SelectOptions) (*domain.ServiceInstance, error) {
	ring := a.rings.Ring(service)
	if ring.Size() == 0 {
		// No ring for the group; the caller treats a nil result as
		// no available instance.
		return nil, nil
	}

	byID := make(map[string]*domain.ServiceInstance, len(instances))
	for _, instance := range instances {
		byID[instance.ID()] = instance
	}

	id, ok := ring.LookupFunc(opts.ClientIP, func(candidate string) bool {
		_, eligible := byID[candidate]
		return eligible
	})
	if !ok {
		return nil, nil
	}
	return byID[id], nil
}

func (a *consistentHashAlgorithm) Name() string {
	return string(domain.ConsistentHash)
}

// ipHashAlgorithm indexes the eligible set by an FNV-1a hash of the client
// IP. A missing IP deterministically picks the first instance.
type ipHashAlgorithm struct{}

func (a *ipHashAlgorithm) Select(_ string, instances []*domain.ServiceInstance, opts domain.SelectOptions) (*domain.ServiceInstance, error) {
	if opts.ClientIP == "" {
		return instances[0], nil
	}

	hasher := fnv.New32a()
	hasher.Write([]byte(opts.ClientIP))
	index := hasher.Sum32() % uint32(len(instances))
	return instances[index], nil
}

func (a *ipHashAlgorithm) Name() string {
	return string(domain.IPHash)
}

// responseTimeAlgorithm prefers the lowest smoothed response time. A never
// measured instance (EMA of zero) wins immediately, giving cold instances a
// chance to be measured at all.
type responseTimeAlgorithm struct{}

func (a *responseTimeAlgorithm) Select(_ string, instances []*domain.ServiceInstance, _ domain.SelectOptions) (*domain.ServiceInstance, error) {
	selected := instances[0]
	best := selected.AverageResponseTime()
	if best == 0 {
		return selected, nil
	}

	for _, instance := range instances[1:] {
		avg := instance.AverageResponseTime()
		if avg == 0 {
			return instance, nil
		}
		if avg < best {
			best = avg
			selected = instance
		}
	}
	return selected, nil
}

func (a *responseTimeAlgorithm) Name() string {
	return string(domain.ResponseTime)
}
