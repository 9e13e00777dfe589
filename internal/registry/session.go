package registry

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// SessionStore maps session ids to instance ids for sticky routing. Entries
// expire after an idle TTL and are purged eagerly when their instance is
// removed from the registry.
type SessionStore struct {
	ttl      time.Duration
	sessions *cache.Cache
}

// NewSessionStore creates a session store with the given idle TTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{
		ttl:      ttl,
		sessions: cache.New(ttl, 10*time.Minute),
	}
}

// Lookup returns the instance bound to the session, refreshing its TTL.
func (s *SessionStore) Lookup(sessionID string) (string, bool) {
	value, found := s.sessions.Get(sessionID)
	if !found {
		return "", false
	}
	instanceID := value.(string)
	s.sessions.Set(sessionID, instanceID, s.ttl)
	return instanceID, true
}

// Bind associates a session with an instance.
func (s *SessionStore) Bind(sessionID, instanceID string) {
	s.sessions.Set(sessionID, instanceID, s.ttl)
}

// Remove deletes a single session binding.
func (s *SessionStore) Remove(sessionID string) {
	s.sessions.Delete(sessionID)
}

// PurgeInstance drops every session bound to the given instance.
func (s *SessionStore) PurgeInstance(instanceID string) {
	for sessionID, item := range s.sessions.Items() {
		if bound, ok := item.Object.(string); ok && bound == instanceID {
			s.sessions.Delete(sessionID)
		}
	}
}

// Count returns the number of live session bindings.
func (s *SessionStore) Count() int {
	return s.sessions.ItemCount()
}
