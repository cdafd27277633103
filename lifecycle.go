package offline

import (
	"context"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPrecache lists the paths stored into the static namespace on install.
var DefaultPrecache = []string{"/", "/manifest.webmanifest"}

// Lifecycle handles the host's install and activate events.
type Lifecycle struct {
	cache     *cache.Manager
	transport http.RoundTripper
	log       zerolog.Logger
}

// NewLifecycle creates the lifecycle handler. http.DefaultTransport is used if transport is nil,
// the global zerolog logger if logger is nil.
func NewLifecycle(manager *cache.Manager, transport http.RoundTripper, logger *zerolog.Logger) *Lifecycle {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = &log.Logger
	}
	return &Lifecycle{
		cache:     manager,
		transport: transport,
		log:       logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Install fetches the paths, resolved against base, and stores them into the static namespace.
// Paths that cannot be fetched, or answer with a non-2xx status, are logged and skipped.
// It returns the stored URLs.
func (l *Lifecycle) Install(ctx context.Context, base *url.URL, paths []string) ([]string, error) {
	h, err := l.cache.Open(ctx, cache.Static)
	if err != nil {
		return nil, err
	}
	stored := make([]string, 0, len(paths))
	for _, path := range paths {
		ref, err := url.Parse(path)
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("Invalid precache path")
			continue
		}
		target := base.ResolveReference(ref).String()
		if l.precache(ctx, h, target) {
			stored = append(stored, target)
		}
	}
	l.log.Info().Int("stored", len(stored)).Int("paths", len(paths)).Str("namespace", h.Name()).Msg("Installed")
	return stored, nil
}

func (l *Lifecycle) precache(ctx context.Context, h cache.Handle, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		l.log.Warn().Err(err).Str("url", target).Msg("Could not create precache request")
		return false
	}
	res, err := l.transport.RoundTrip(req)
	if err != nil {
		l.log.Warn().Err(err).Str("url", target).Msg("Could not precache")
		return false
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		l.log.Warn().Int("status", res.StatusCode).Str("url", target).Msg("Not precaching unsuccessful response")
		return false
	}
	if err := l.cache.Put(ctx, h, req, res); err != nil {
		l.log.Warn().Err(err).Str("url", target).Msg("Could not write to cache")
		return false
	}
	return true
}

// Activate reclaims the namespaces of stale versions and returns their names.
func (l *Lifecycle) Activate(ctx context.Context) ([]string, error) {
	return l.cache.ReclaimStale(ctx)
}
