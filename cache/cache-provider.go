package cache

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCacheDeleted is returned when writing through a handle to a store
	// that has been deleted in the meantime.
	ErrCacheDeleted = errors.New("cache has been deleted")
	// ErrInvalidName is returned when opening a store with an empty name.
	ErrInvalidName = errors.New("cache name must not be empty")
)

// CacheProvider manages named caches (stores).
// Exactly one of these is in use by the agent at any time, the others are
// leftovers from previous versions and are deleted on activation.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(name string) (Cache, error)
	// Names returns the names of all existing caches.
	Names() ([]string, error)
	// Delete removes the named cache and all of its entries.
	// It returns false if no such cache existed.
	Delete(name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Cache is a single named store of captured responses, keyed by request identity.
// Operations on a single key are atomic. Concurrent writes to the same key
// are last-write-wins.
type Cache interface {
	// Name returns the name the cache was opened with.
	Name() string
	// Get returns the entry stored under key, along with a boolean indicating
	// whether there was one.
	Get(key string) (CacheEntry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	Put(CacheEntry) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Has checks if the specified key exists in the cache.
	Has(key string) bool
	// AllKeys calls the given callback for each key in the cache.
	AllKeys(cb func(string)) error
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// MemCache is an in-memory CacheProvider.
// Nothing survives the process, which makes it the provider of choice for tests.
type MemCache struct {
	mutex  *sync.RWMutex
	names  []string
	stores map[string]*memStore
}

type memStore struct {
	name     string
	provider *MemCache
	db       map[string]CacheEntry
}

func NewMemCache() *MemCache {
	return &MemCache{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemCache) Open(name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memStore{
		name:     name,
		provider: m,
		db:       make(map[string]CacheEntry),
	}
	m.stores[name] = s
	m.names = append(m.names, name)
	return s, nil
}

func (m *MemCache) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names, nil
}

func (m *MemCache) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemCache) Close() error {
	return nil
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Get(key string) (CacheEntry, bool, error) {
	s.provider.mutex.RLock()
	defer s.provider.mutex.RUnlock()
	entry, ok := s.db[key]
	return entry, ok, nil
}

func (s *memStore) Put(entry CacheEntry) error {
	s.provider.mutex.Lock()
	defer s.provider.mutex.Unlock()
	if s.provider.stores[s.name] != s {
		return ErrCacheDeleted
	}
	s.db[entry.Key] = entry
	return nil
}

func (s *memStore) Purge(key string) error {
	s.provider.mutex.Lock()
	defer s.provider.mutex.Unlock()
	delete(s.db, key)
	return nil
}

func (s *memStore) Has(key string) bool {
	s.provider.mutex.RLock()
	defer s.provider.mutex.RUnlock()
	_, ok := s.db[key]
	return ok
}

func (s *memStore) AllKeys(cb func(string)) error {
	s.provider.mutex.RLock()
	keys := make([]string, 0, len(s.db))
	for key := range s.db {
		keys = append(keys, key)
	}
	s.provider.mutex.RUnlock()
	// callback runs unlocked so it may call back into the cache
	for _, key := range keys {
		cb(key)
	}
	return nil
}
