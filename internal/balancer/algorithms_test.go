package balancer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/internal/registry"
	"github.com/mcpmesh/balancer/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func runningInstance(id, service string, weight int) *domain.ServiceInstance {
	return domain.NewServiceInstance(domain.ServiceDescriptor{
		ID:      id,
		Service: service,
		Address: "127.0.0.1:9000",
		Status:  domain.StatusRunning,
	}, weight)
}

func TestRoundRobinCycles(t *testing.T) {
	algo := newRoundRobinAlgorithm()
	instances := []*domain.ServiceInstance{
		runningInstance("inst-a", "svc", 100),
		runningInstance("inst-b", "svc", 100),
		runningInstance("inst-c", "svc", 100),
	}

	var picked []string
	for i := 0; i < 4; i++ {
		instance, err := algo.Select("svc", instances, domain.SelectOptions{})
		require.NoError(t, err)
		picked = append(picked, instance.ID())
	}

	assert.Equal(t, []string{"inst-a", "inst-b", "inst-c", "inst-a"}, picked)
}

func TestRoundRobinCountersAreIndependentPerService(t *testing.T) {
	algo := newRoundRobinAlgorithm()
	groupA := []*domain.ServiceInstance{
		runningInstance("a-1", "svc-a", 100),
		runningInstance("a-2", "svc-a", 100),
	}
	groupB := []*domain.ServiceInstance{
		runningInstance("b-1", "svc-b", 100),
		runningInstance("b-2", "svc-b", 100),
	}

	first, _ := algo.Select("svc-a", groupA, domain.SelectOptions{})
	assert.Equal(t, "a-1", first.ID())

	// svc-b starts its own cycle regardless of how far svc-a has advanced.
	first, _ = algo.Select("svc-b", groupB, domain.SelectOptions{})
	assert.Equal(t, "b-1", first.ID())

	second, _ := algo.Select("svc-a", groupA, domain.SelectOptions{})
	assert.Equal(t, "a-2", second.ID())
}

func TestLeastConnections(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-a", "svc", 100),
		runningInstance("inst-b", "svc", 100),
		runningInstance("inst-c", "svc", 100),
	}
	instances[0].IncrementConnections()
	instances[0].IncrementConnections()
	instances[1].IncrementConnections()

	algo := &leastConnectionsAlgorithm{}
	instance, err := algo.Select("svc", instances, domain.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-c", instance.ID())
}

func TestLeastConnectionsTieKeepsFirst(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-a", "svc", 50),
		runningInstance("inst-b", "svc", 200),
	}

	// Equal connection counts keep the earlier instance even when the
	// later one carries more weight.
	algo := &leastConnectionsAlgorithm{}
	instance, err := algo.Select("svc", instances, domain.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-a", instance.ID())
}

func TestWeightedLeastConnections(t *testing.T) {
	heavy := runningInstance("inst-heavy", "svc", 200)
	light := runningInstance("inst-light", "svc", 50)
	for i := 0; i < 2; i++ {
		heavy.IncrementConnections()
		light.IncrementConnections()
	}

	// Same raw connection count, but the heavier instance carries the
	// lower normalized load.
	algo := &weightedLeastConnectionsAlgorithm{}
	instance, err := algo.Select("svc", []*domain.ServiceInstance{light, heavy}, domain.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-heavy", instance.ID())
}

func TestWeightedRandomDistribution(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-heavy", "svc", 90),
		runningInstance("inst-light", "svc", 10),
	}

	algo := &weightedRandomAlgorithm{rng: newLockedRand(rand.New(rand.NewSource(42)))}

	const trials = 10000
	heavyHits := 0
	for i := 0; i < trials; i++ {
		instance, err := algo.Select("svc", instances, domain.SelectOptions{})
		require.NoError(t, err)
		if instance.ID() == "inst-heavy" {
			heavyHits++
		}
	}

	frequency := float64(heavyHits) / float64(trials)
	assert.GreaterOrEqual(t, frequency, 0.85)
	assert.LessOrEqual(t, frequency, 0.95)
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-heavy", "svc", 90),
		runningInstance("inst-light", "svc", 10),
	}

	algo := &weightedRoundRobinAlgorithm{rng: newLockedRand(rand.New(rand.NewSource(7)))}

	const trials = 10000
	heavyHits := 0
	for i := 0; i < trials; i++ {
		instance, err := algo.Select("svc", instances, domain.SelectOptions{})
		require.NoError(t, err)
		if instance.ID() == "inst-heavy" {
			heavyHits++
		}
	}

	frequency := float64(heavyHits) / float64(trials)
	assert.GreaterOrEqual(t, frequency, 0.85)
	assert.LessOrEqual(t, frequency, 0.95)
}

func TestRandomStaysInBounds(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-a", "svc", 100),
		runningInstance("inst-b", "svc", 100),
	}

	algo := &randomAlgorithm{rng: newLockedRand(rand.New(rand.NewSource(1)))}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		instance, err := algo.Select("svc", instances, domain.SelectOptions{})
		require.NoError(t, err)
		seen[instance.ID()] = true
	}

	assert.True(t, seen["inst-a"])
	assert.True(t, seen["inst-b"])
}

func TestIPHashIsDeterministic(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-a", "svc", 100),
		runningInstance("inst-b", "svc", 100),
		runningInstance("inst-c", "svc", 100),
	}

	algo := &ipHashAlgorithm{}
	opts := domain.SelectOptions{ClientIP: "10.1.2.3"}

	first, err := algo.Select("svc", instances, opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		instance, err := algo.Select("svc", instances, opts)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), instance.ID())
	}
}

func TestIPHashEmptyIPPicksFirst(t *testing.T) {
	instances := []*domain.ServiceInstance{
		runningInstance("inst-a", "svc", 100),
		runningInstance("inst-b", "svc", 100),
	}

	algo := &ipHashAlgorithm{}
	instance, err := algo.Select("svc", instances, domain.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-a", instance.ID())
}

func TestResponseTimePrefersUnmeasured(t *testing.T) {
	measured := runningInstance("inst-measured", "svc", 100)
	measured.ObserveResponseTime(5)
	cold := runningInstance("inst-cold", "svc", 100)

	// A never measured instance wins over one that answers in 5ms, so
	// cold instances get sampled at all.
	algo := &responseTimeAlgorithm{}
	instance, err := algo.Select("svc", []*domain.ServiceInstance{measured, cold}, domain.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-cold", instance.ID())
}

func TestResponseTimePicksFastest(t *testing.T) {
	slow := runningInstance("inst-slow", "svc", 100)
	slow.ObserveResponseTime(120)
	fast := runningInstance("inst-fast", "svc", 100)
	fast.ObserveResponseTime(15)

	algo := &responseTimeAlgorithm{}
	instance, err := algo.Select("svc", []*domain.ServiceInstance{slow, fast}, domain.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-fast", instance.ID())
}

func TestConsistentHashStability(t *testing.T) {
	reg := registry.NewInstanceRegistry(0, testLogger(t))
	for _, id := range []string{"inst-a", "inst-b", "inst-c"} {
		require.True(t, reg.AddInstance(domain.ServiceDescriptor{
			ID: id, Service: "svc", Address: "127.0.0.1:9000", Status: domain.StatusRunning,
		}, 100))
	}

	algo := &consistentHashAlgorithm{rings: reg}
	instances := reg.AvailableInstances("svc")
	opts := domain.SelectOptions{ClientIP: "192.168.0.17"}

	first, err := algo.Select("svc", instances, opts)
	require.NoError(t, err)
	require.NotNil(t, first)

	for i := 0; i < 20; i++ {
		instance, err := algo.Select("svc", instances, opts)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), instance.ID())
	}
}

func TestConsistentHashSkipsIneligibleOwner(t *testing.T) {
	reg := registry.NewInstanceRegistry(0, testLogger(t))
	for _, id := range []string{"inst-a", "inst-b"} {
		require.True(t, reg.AddInstance(domain.ServiceDescriptor{
			ID: id, Service: "svc", Address: "127.0.0.1:9000", Status: domain.StatusRunning,
		}, 100))
	}

	algo := &consistentHashAlgorithm{rings: reg}
	opts := domain.SelectOptions{ClientIP: "192.168.0.17"}

	owner, err := algo.Select("svc", reg.AvailableInstances("svc"), opts)
	require.NoError(t, err)
	require.NotNil(t, owner)

	// Mark the ring owner unhealthy. The ring still contains its virtual
	// nodes, but the walk must land on the surviving instance.
	instance, _ := reg.Instance(owner.ID())
	instance.SetStatus(domain.StatusUnhealthy)

	fallback, err := algo.Select("svc", reg.AvailableInstances("svc"), opts)
	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.NotEqual(t, owner.ID(), fallback.ID())
}

func TestConsistentHashNoRing(t *testing.T) {
	reg := registry.NewInstanceRegistry(0, testLogger(t))
	algo := &consistentHashAlgorithm{rings: reg}

	instance, err := algo.Select("svc", nil, domain.SelectOptions{ClientIP: "10.0.0.1"})
	assert.NoError(t, err)
	assert.Nil(t, instance)
}
