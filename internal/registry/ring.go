package registry

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sort"

	"github.com/mcpmesh/balancer/internal/domain"
)

// ringEntry is one virtual node on the hash ring. The position is the full
// 128-bit MD5 digest of the virtual node key, compared big-endian.
type ringEntry struct {
	position [md5.Size]byte
	id       string
}

// Ring is an immutable consistent-hash ring over a service group. Rings are
// built aside and swapped whole, so readers never see a partially built ring.
type Ring struct {
	entries []ringEntry
}

// BuildRing constructs a ring from the group members. Each instance
// contributes max(1, weight/10) virtual nodes keyed "{id}:{i}".
func BuildRing(members []*domain.ServiceInstance) *Ring {
	var entries []ringEntry
	for _, instance := range members {
		vnodes := instance.Weight() / 10
		if vnodes < 1 {
			vnodes = 1
		}
		for i := 0; i < vnodes; i++ {
			key := fmt.Sprintf("%s:%d", instance.ID(), i)
			entries = append(entries, ringEntry{
				position: md5.Sum([]byte(key)),
				id:       instance.ID(),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].position[:], entries[j].position[:]) < 0
	})

	return &Ring{entries: entries}
}

// Lookup finds the instance owning the given key: the first virtual node at
// or clockwise after the key's hash, wrapping to the ring start.
func (r *Ring) Lookup(key string) (string, bool) {
	if r == nil || len(r.entries) == 0 {
		return "", false
	}

	hash := md5.Sum([]byte(key))
	idx := sort.Search(len(r.entries), func(i int) bool {
		return bytes.Compare(r.entries[i].position[:], hash[:]) >= 0
	})

	if idx == len(r.entries) {
		idx = 0
	}

	return r.entries[idx].id, true
}

// LookupFunc walks clockwise from the key's position and returns the first
// instance id accepted by the predicate, wrapping once around the ring.
func (r *Ring) LookupFunc(key string, accept func(id string) bool) (string, bool) {
	if r == nil || len(r.entries) == 0 {
		return "", false
	}

	hash := md5.Sum([]byte(key))
	start := sort.Search(len(r.entries), func(i int) bool {
		return bytes.Compare(r.entries[i].position[:], hash[:]) >= 0
	})

	for i := 0; i < len(r.entries); i++ {
		entry := r.entries[(start+i)%len(r.entries)]
		if accept(entry.id) {
			return entry.id, true
		}
	}
	return "", false
}

// Size returns the number of virtual nodes on the ring.
func (r *Ring) Size() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
