package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmesh/balancer/internal/domain"
)

func ringMember(id string, weight int) *domain.ServiceInstance {
	return domain.NewServiceInstance(domain.ServiceDescriptor{
		ID:      id,
		Service: "svc",
		Address: "127.0.0.1:9000",
		Status:  domain.StatusRunning,
	}, weight)
}

func TestBuildRingVirtualNodes(t *testing.T) {
	tests := []struct {
		name     string
		weights  []int
		expected int
	}{
		{name: "weight 100 yields 10 vnodes each", weights: []int{100, 100}, expected: 20},
		{name: "weight below 10 floors at one vnode", weights: []int{5, 9}, expected: 2},
		{name: "mixed weights", weights: []int{100, 30, 7}, expected: 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members := make([]*domain.ServiceInstance, len(tt.weights))
			for i, w := range tt.weights {
				members[i] = ringMember(fmt.Sprintf("inst-%d", i), w)
			}
			ring := BuildRing(members)
			assert.Equal(t, tt.expected, ring.Size())
		})
	}
}

func TestRingLookupStability(t *testing.T) {
	ring := BuildRing([]*domain.ServiceInstance{
		ringMember("inst-a", 100),
		ringMember("inst-b", 100),
		ringMember("inst-c", 100),
	})

	first, ok := ring.Lookup("10.0.0.1")
	require.True(t, ok)

	// The same key keeps mapping to the same owner while the ring stands.
	for i := 0; i < 50; i++ {
		owner, ok := ring.Lookup("10.0.0.1")
		require.True(t, ok)
		assert.Equal(t, first, owner)
	}
}

func TestRingLookupEmptyRing(t *testing.T) {
	var nilRing *Ring
	_, ok := nilRing.Lookup("key")
	assert.False(t, ok)

	empty := BuildRing(nil)
	_, ok = empty.Lookup("key")
	assert.False(t, ok)
}

func TestRingRedistributionBound(t *testing.T) {
	members := []*domain.ServiceInstance{
		ringMember("inst-a", 100),
		ringMember("inst-b", 100),
		ringMember("inst-c", 100),
	}
	before := BuildRing(members)

	assignments := make(map[string]string, 1000)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		owner, ok := before.Lookup(key)
		require.True(t, ok)
		assignments[key] = owner
	}

	after := BuildRing(append(members, ringMember("inst-d", 100)))

	moved := 0
	for key, previous := range assignments {
		owner, ok := after.Lookup(key)
		require.True(t, ok)
		if owner != previous {
			moved++
		}
	}

	// Adding one instance to a 3-member ring should move roughly a quarter
	// of the keyspace, never a wholesale reshuffle.
	assert.Less(t, float64(moved)/1000.0, 0.45, "moved %d of 1000 keys", moved)
	assert.Greater(t, moved, 0, "adding an instance should claim some keys")

	// Keys that moved must have moved to the new instance.
	for key, previous := range assignments {
		owner, _ := after.Lookup(key)
		if owner != previous {
			assert.Equal(t, "inst-d", owner, "key %s moved to an old instance", key)
		}
	}
}

func TestLookupFuncSkipsRejected(t *testing.T) {
	ring := BuildRing([]*domain.ServiceInstance{
		ringMember("inst-a", 100),
		ringMember("inst-b", 100),
	})

	owner, ok := ring.LookupFunc("some-key", func(id string) bool {
		return id == "inst-b"
	})
	require.True(t, ok)
	assert.Equal(t, "inst-b", owner)

	_, ok = ring.LookupFunc("some-key", func(string) bool { return false })
	assert.False(t, ok)
}
