// Package env holds the node-wide key/value store backing GETENV and SETENV.
//
// The store is seeded once at boot from the merged viper configuration and is
// then owned by the runtime; services read and write it through commands.
package env

import (
	"sync"

	"github.com/spf13/viper"
)

// Store is a concurrency-safe string key/value table.
type Store struct {
	mu   sync.RWMutex
	vals map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{vals: make(map[string]string)}
}

// FromViper seeds a store from every key the viper instance knows about.
// Later SetEnv calls shadow the seeded values; viper itself is not consulted
// again after boot.
func FromViper(v *viper.Viper) *Store {
	s := New()
	if v == nil {
		return s
	}
	for _, key := range v.AllKeys() {
		s.vals[key] = v.GetString(key)
	}
	return s
}

// Get returns the value for key, or "" when unset.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vals[key]
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
}

// SetIfAbsent stores value under key only when the key is unset. It reports
// whether the write happened.
func (s *Store) SetIfAbsent(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vals[key]; ok {
		return false
	}
	s.vals[key] = value
	return true
}

// Keys returns a snapshot of all keys, in no particular order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.vals))
	for k := range s.vals {
		keys = append(keys, k)
	}
	return keys
}
