package cache

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 1000

// MemoryProvider keeps namespaces in memory, each one an LRU bounded by entry count.
// It is not shared between processes and does not survive restarts.
type MemoryProvider struct {
	mu         sync.Mutex
	maxEntries int
	namespaces map[string]*lru.Cache[string, []byte]
}

// NewMemoryProvider creates a new in-memory provider.
// maxEntries bounds each namespace; zero or less means the default of 1000.
func NewMemoryProvider(maxEntries int) *MemoryProvider {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	return &MemoryProvider{
		maxEntries: maxEntries,
		namespaces: make(map[string]*lru.Cache[string, []byte]),
	}
}

func (m *MemoryProvider) namespace(name string, create bool) (*lru.Cache[string, []byte], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[name]; ok || !create {
		return ns, nil
	}
	ns, err := lru.New[string, []byte](m.maxEntries)
	if err != nil {
		return nil, storeError("create", name, err)
	}
	m.namespaces[name] = ns
	return ns, nil
}

func (m *MemoryProvider) CreateNamespace(ctx context.Context, name string) error {
	_, err := m.namespace(name, true)
	return err
}

func (m *MemoryProvider) Namespaces(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryProvider) DeleteNamespace(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, name)
	return nil
}

func (m *MemoryProvider) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	ns, _ := m.namespace(namespace, false)
	if ns == nil {
		return nil, false, nil
	}
	bytes, ok := ns.Get(key)
	return bytes, ok, nil
}

func (m *MemoryProvider) Put(ctx context.Context, namespace, key string, bytes []byte) error {
	ns, err := m.namespace(namespace, true)
	if err != nil {
		return err
	}
	stored := make([]byte, len(bytes))
	copy(stored, bytes)
	ns.Add(key, stored)
	return nil
}

func (m *MemoryProvider) Delete(ctx context.Context, namespace, key string) error {
	if ns, _ := m.namespace(namespace, false); ns != nil {
		ns.Remove(key)
	}
	return nil
}

func (m *MemoryProvider) Close() error {
	return nil
}
