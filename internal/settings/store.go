// Package settings provides the key/value store providers read their
// configuration through. The store is injected; nothing in the scan path
// knows which backend sits behind it.
package settings

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Store is the configuration-access contract handed to providers
type Store interface {
	// Get returns the value stored under key
	Get(key string) (string, bool)

	// Set stores value under key, persisting it if the backend persists
	Set(key, value string) error

	// List returns every key/value pair whose key starts with prefix
	List(prefix string) map[string]string
}

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the store for the named backend
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown settings backend: %s (use file, sqlite or memory)", backend)
	}
}

// MemoryStore keeps settings in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[normalizeKey(key)]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New("empty settings key")
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(prefix string) map[string]string {
	prefix = normalizeKey(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// namespaced scopes every key under a fixed prefix
type namespaced struct {
	prefix string
	store  Store
}

// Namespace returns a view of store where every key is prefixed.
// List results are returned with the prefix stripped.
func Namespace(store Store, prefix string) Store {
	prefix = normalizeKey(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return &namespaced{prefix: prefix, store: store}
}

// ProviderNamespace is the prefix provider settings live under
func ProviderNamespace(store Store, providerName string) Store {
	return Namespace(store, "providers."+providerName)
}

func (n *namespaced) Get(key string) (string, bool) {
	return n.store.Get(n.prefix + normalizeKey(key))
}

func (n *namespaced) Set(key, value string) error {
	return n.store.Set(n.prefix+normalizeKey(key), value)
}

func (n *namespaced) List(prefix string) map[string]string {
	raw := n.store.List(n.prefix + normalizeKey(prefix))
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, n.prefix)] = v
	}
	return out
}

// SortedKeys returns the keys of a List result in order
func SortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// keys are case-insensitive in every backend, matching viper
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
