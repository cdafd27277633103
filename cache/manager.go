package cache

import (
	"context"
	"net/http"
	"time"

	requestkey "github.com/always-cache/offline-cache/pkg/request-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handle refers to an opened namespace.
type Handle struct {
	Namespace Namespace
}

// Name returns the physical name of the opened namespace.
func (h Handle) Name() string {
	return h.Namespace.Name()
}

// Manager performs get and put against the versioned namespaces of a provider.
type Manager struct {
	provider Provider
	versions Versions
	log      zerolog.Logger
}

// NewManager creates a manager for the given provider and current versions.
// The global zerolog logger is used if logger is nil.
func NewManager(provider Provider, versions Versions, logger *zerolog.Logger) (*Manager, error) {
	if err := versions.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &log.Logger
	}
	return &Manager{
		provider: provider,
		versions: versions,
		log:      logger.With().Str("component", "cache").Logger(),
	}, nil
}

// Current returns the current namespace for the role.
func (m *Manager) Current(role Role) Namespace {
	return Namespace{Role: role, Version: m.versions.For(role)}
}

// Open opens (creating if needed) the current namespace of the role.
// It is idempotent.
func (m *Manager) Open(ctx context.Context, role Role) (Handle, error) {
	h := Handle{Namespace: m.Current(role)}
	if err := m.provider.CreateNamespace(ctx, h.Name()); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Get looks up the response stored for the exact method and URL of the request.
// Lookup failures are logged and reported as absent.
func (m *Manager) Get(ctx context.Context, h Handle, req *http.Request) (*http.Response, bool) {
	key := requestkey.Get(req)
	bytes, ok, err := m.provider.Get(ctx, h.Name(), key)
	if err != nil {
		m.log.Error().Err(err).Str("namespace", h.Name()).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		m.log.Trace().Str("namespace", h.Name()).Str("key", key).Msg("Cache miss")
		return nil, false
	}
	snapshot, err := serializer.BytesToSnapshot(bytes, req)
	if err != nil {
		// in case we have a corrupted cache entry, we delete it and report a miss
		m.log.Error().Err(err).Str("namespace", h.Name()).Str("key", key).Msg("Could not read stored response")
		if err := m.provider.Delete(ctx, h.Name(), key); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return nil, false
	}
	m.log.Trace().Str("namespace", h.Name()).Str("key", key).Msg("Cache hit")
	return snapshot.Response, true
}

// Put stores a snapshot of the response under the request's key, overwriting any previous one.
// The response body is buffered, the response stays readable for the caller.
func (m *Manager) Put(ctx context.Context, h Handle, req *http.Request, res *http.Response) error {
	key := requestkey.Get(req)
	bytes, err := serializer.SnapshotToBytes(serializer.Snapshot{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	m.log.Trace().Str("namespace", h.Name()).Str("key", key).Msgf("Writing to cache (%d bytes)", len(bytes))
	return m.provider.Put(ctx, h.Name(), key, bytes)
}

// ReclaimStale deletes the namespaces of stale versions, keeping the current ones.
func (m *Manager) ReclaimStale(ctx context.Context) ([]string, error) {
	deleted, err := ReclaimStale(ctx, m.provider, m.Current(Static), m.Current(Dynamic))
	for _, name := range deleted {
		m.log.Info().Str("namespace", name).Msg("Reclaimed stale namespace")
	}
	return deleted, err
}

// ReclaimStale deletes every namespace following the role prefix convention
// whose name is neither currentStatic nor currentDynamic.
// Foreign namespaces are never touched. It returns the deleted names.
func ReclaimStale(ctx context.Context, provider Provider, currentStatic, currentDynamic Namespace) ([]string, error) {
	names, err := provider.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if _, ok := ParseNamespace(name); !ok {
			continue
		}
		if name == currentStatic.Name() || name == currentDynamic.Name() {
			continue
		}
		if err := provider.DeleteNamespace(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
