package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/internal/registry"
)

func newAdaptiveFixture(t *testing.T, settings Settings) (*registry.InstanceRegistry, *AdaptiveController) {
	t.Helper()
	log := testLogger(t)
	reg := registry.NewInstanceRegistry(0, log)
	return reg, NewAdaptiveController(reg, settings, log)
}

func registerMeasured(t *testing.T, reg *registry.InstanceRegistry, id string, weight int, avgMs float64) *domain.ServiceInstance {
	t.Helper()
	require.True(t, reg.AddInstance(domain.ServiceDescriptor{
		ID: id, Service: "svc", Address: "127.0.0.1:9000", Status: domain.StatusRunning,
	}, weight))

	instance, _ := reg.Instance(id)
	if avgMs > 0 {
		instance.ObserveResponseTime(avgMs)
	}
	return instance
}

func TestAdaptiveSkipsSingleInstanceGroup(t *testing.T) {
	reg, ctrl := newAdaptiveFixture(t, DefaultSettings())
	only := registerMeasured(t, reg, "inst-a", 100, 500)

	ctrl.AdjustNow()
	assert.Equal(t, 100, only.Weight())
}

func TestAdaptiveSkipsUnmeasuredGroup(t *testing.T) {
	reg, ctrl := newAdaptiveFixture(t, DefaultSettings())
	a := registerMeasured(t, reg, "inst-a", 100, 0)
	b := registerMeasured(t, reg, "inst-b", 100, 0)

	ctrl.AdjustNow()
	assert.Equal(t, 100, a.Weight())
	assert.Equal(t, 100, b.Weight())
}

func TestAdaptiveLowersSlowInstance(t *testing.T) {
	reg, ctrl := newAdaptiveFixture(t, DefaultSettings())
	fast1 := registerMeasured(t, reg, "inst-fast-1", 100, 10)
	fast2 := registerMeasured(t, reg, "inst-fast-2", 100, 10)
	slow := registerMeasured(t, reg, "inst-slow", 100, 1000)

	ctrl.AdjustNow()

	// Group mean is 340ms. The slow instance's factor is 0.34, nudging it
	// to round(100*0.34*0.1 + 90) = 93. The fast instances' factor is 34,
	// which clamps at the ceiling.
	assert.Equal(t, 93, slow.Weight())
	assert.Equal(t, 200, fast1.Weight())
	assert.Equal(t, 200, fast2.Weight())
}

func TestAdaptiveHysteresisSuppressesSmallChanges(t *testing.T) {
	reg, ctrl := newAdaptiveFixture(t, DefaultSettings())
	a := registerMeasured(t, reg, "inst-a", 100, 90)
	b := registerMeasured(t, reg, "inst-b", 100, 110)

	// Candidates land within one point of the current weight, inside the
	// hysteresis band, so nothing moves.
	ctrl.AdjustNow()
	assert.Equal(t, 100, a.Weight())
	assert.Equal(t, 100, b.Weight())
}

func TestAdaptiveClampsToBounds(t *testing.T) {
	settings := DefaultSettings()
	settings.MinWeight = 90
	settings.Hysteresis = 0

	reg, ctrl := newAdaptiveFixture(t, settings)
	fast1 := registerMeasured(t, reg, "inst-fast-1", 100, 1)
	fast2 := registerMeasured(t, reg, "inst-fast-2", 100, 1)
	slow := registerMeasured(t, reg, "inst-slow", 100, 10000)

	for i := 0; i < 10; i++ {
		ctrl.AdjustNow()
		assert.GreaterOrEqual(t, slow.Weight(), settings.MinWeight)
		assert.LessOrEqual(t, fast1.Weight(), settings.MaxWeight)
	}

	assert.Equal(t, settings.MinWeight, slow.Weight())
	assert.Equal(t, settings.MaxWeight, fast1.Weight())
	assert.Equal(t, settings.MaxWeight, fast2.Weight())
}

func TestAdaptiveSkipsUnmeasuredMember(t *testing.T) {
	reg, ctrl := newAdaptiveFixture(t, DefaultSettings())
	registerMeasured(t, reg, "inst-a", 100, 10)
	registerMeasured(t, reg, "inst-b", 100, 1000)
	cold := registerMeasured(t, reg, "inst-c", 100, 0)

	ctrl.AdjustNow()

	// Members without a latency sample neither contribute to the mean nor
	// get retuned.
	assert.Equal(t, 100, cold.Weight())
}

func TestAdaptiveRebuildsRingOnChange(t *testing.T) {
	reg, ctrl := newAdaptiveFixture(t, DefaultSettings())
	registerMeasured(t, reg, "inst-fast-1", 100, 10)
	registerMeasured(t, reg, "inst-fast-2", 100, 10)
	registerMeasured(t, reg, "inst-slow", 100, 1000)

	before := reg.Ring("svc")
	require.NotNil(t, before)

	ctrl.AdjustNow()

	after := reg.Ring("svc")
	require.NotNil(t, after)
	assert.NotSame(t, before, after)
	assert.NotEqual(t, before.Size(), after.Size())
}

func TestAdaptiveStartStopIdempotent(t *testing.T) {
	_, ctrl := newAdaptiveFixture(t, DefaultSettings())
	ctrl.Start()
	ctrl.Start()
	ctrl.Stop()
	ctrl.Stop()
}
