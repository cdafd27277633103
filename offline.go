package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSyncTag is the background-retry tag of the outbox.
	DefaultSyncTag = "sync-outbox"
	// DefaultIdempotencyHeader carries the key identifying a queued mutation across redeliveries.
	DefaultIdempotencyHeader = "Idempotency-Key"
	// DefaultOfflineHTML is served for navigations when offline and no root document is cached.
	DefaultOfflineHTML = "<h1>Offline</h1>"

	defaultRefreshTimeout = 30 * time.Second
	defaultMaxBackground  = 32
)

// ErrNotQueued is returned when a mutation failed at the network and could not be persisted either.
var ErrNotQueued = errors.New("mutation not queued")

type Config struct {
	// Cache namespaces. Required.
	Cache *cache.Manager
	// Outbox for mutations that failed at the network. Required.
	Queue *queue.Queue
	// Transport used to reach the network. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// URL prefix of the endpoint accepting JSON mutations.
	DataEndpoint string
	// URL prefix of the endpoint serving JSON catalog reads.
	CatalogEndpoint string
	// Origin the ServeHTTP handler forwards to.
	// If nil, incoming requests must carry an absolute URL (forward proxy) or a Host.
	Origin *url.URL
	// Background-retry capability. Registration is skipped (NoRetry) if nil.
	Retry RetryRegistrar
	// Tag registered for background retries. DefaultSyncTag if empty.
	SyncTag string
	// Request headers kept with a queued mutation.
	RetainHeaders []string
	// Header carrying the idempotency key of queued mutations. DefaultIdempotencyHeader if empty.
	IdempotencyHeader string
	// Do not add an idempotency key to queued mutations.
	DisableIdempotencyKey bool
	// Path of the root document served to offline navigations. "/" if empty.
	RootPath string
	// Markup served to offline navigations without a cached root document. DefaultOfflineHTML if empty.
	OfflineHTML string
	// Upper bound for background refreshes. 30 seconds if zero.
	RefreshTimeout time.Duration
	// Maximum number of concurrent background tasks. Further tasks are dropped. 32 if zero.
	MaxBackground int
	// Prometheus metrics. Nothing is recorded if nil.
	Metrics *Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Dispatcher intercepts requests and routes each one to a caching strategy.
// It is an http.RoundTripper for Go clients and an http.Handler for proxying browsers.
type Dispatcher struct {
	cache     *cache.Manager
	queue     *queue.Queue
	transport http.RoundTripper

	dataEndpoint    string
	catalogEndpoint string
	origin          *url.URL

	retry             RetryRegistrar
	syncTag           string
	retainHeaders     []string
	idempotencyHeader string
	rootPath          string
	offlineHTML       string
	refreshTimeout    time.Duration

	metrics *Metrics
	log     zerolog.Logger

	reverseproxy httputil.ReverseProxy
	refreshes singleflight.Group
	bgSem     chan struct{}
	wg        sync.WaitGroup
}

// New creates a dispatcher from the config.
func New(config Config) (*Dispatcher, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("cache manager is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	for name, endpoint := range map[string]string{"data": config.DataEndpoint, "catalog": config.CatalogEndpoint} {
		if endpoint == "" {
			return nil, fmt.Errorf("%s endpoint is required", name)
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("%s endpoint: %w", name, err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("%s endpoint %q must be an absolute URL", name, endpoint)
		}
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	d := &Dispatcher{
		cache:             config.Cache,
		queue:             config.Queue,
		transport:         config.Transport,
		dataEndpoint:      config.DataEndpoint,
		catalogEndpoint:   config.CatalogEndpoint,
		origin:            config.Origin,
		retry:             config.Retry,
		syncTag:           config.SyncTag,
		retainHeaders:     config.RetainHeaders,
		idempotencyHeader: config.IdempotencyHeader,
		rootPath:          config.RootPath,
		offlineHTML:       config.OfflineHTML,
		refreshTimeout:    config.RefreshTimeout,
		metrics:           config.Metrics,
		log:               logger.With().Str("component", "dispatcher").Logger(),
	}
	if d.transport == nil {
		d.transport = http.DefaultTransport
	}
	if d.retry == nil {
		d.retry = NoRetry{}
	}
	if d.syncTag == "" {
		d.syncTag = DefaultSyncTag
	}
	if d.idempotencyHeader == "" {
		d.idempotencyHeader = DefaultIdempotencyHeader
	}
	if config.DisableIdempotencyKey {
		d.idempotencyHeader = ""
	}
	if d.rootPath == "" {
		d.rootPath = "/"
	}
	if d.offlineHTML == "" {
		d.offlineHTML = DefaultOfflineHTML
	}
	if d.refreshTimeout <= 0 {
		d.refreshTimeout = defaultRefreshTimeout
	}
	maxBackground := config.MaxBackground
	if maxBackground <= 0 {
		maxBackground = defaultMaxBackground
	}
	d.bgSem = make(chan struct{}, maxBackground)
	d.reverseproxy = httputil.ReverseProxy{
		Director:     d.direct,
		Transport:    d,
		ErrorHandler: d.proxyError,
	}
	return d, nil
}

// Wait blocks until all background refreshes and cache writes have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for background work to finish.
func (d *Dispatcher) Close() error {
	d.Wait()
	return nil
}

// background runs fn in its own goroutine with a context detached from the request,
// bounded by the refresh timeout. The task is dropped if too many are already running.
func (d *Dispatcher) background(parent context.Context, what string, fn func(ctx context.Context)) {
	select {
	case d.bgSem <- struct{}{}:
	default:
		d.metrics.backgroundDropped(what)
		d.log.Warn().Str("task", what).Int("limit", cap(d.bgSem)).Msg("Too many background tasks, dropping")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.refreshTimeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.bgSem }()
		defer cancel()
		fn(ctx)
	}()
}

// Strategy is the way an intercepted request is resolved.
type Strategy string

const (
	// Not intercepted, the request goes straight to the network.
	StrategyPassThrough Strategy = "pass-through"
	// Network, falling back to the outbox for mutations.
	StrategyQueuedNetwork Strategy = "queued-network"
	// Cached catalog read, refreshed from the network.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// Network for navigations, falling back to the cached root document.
	StrategyNetworkFirst Strategy = "network-first"
	// Cached asset, refreshed in the background.
	StrategyCacheFirst Strategy = "cache-first"
)

// Classify returns the strategy for the request.
// The first matching rule wins, in this order: non-http(s) schemes pass through,
// POSTs to the data endpoint are queued on failure, GETs to the catalog endpoint
// are stale-while-revalidate, navigations are network-first, other GETs are
// cache-first and anything else passes through.
func (d *Dispatcher) Classify(req *http.Request) Strategy {
	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		return StrategyPassThrough
	}
	href := req.URL.String()
	switch {
	case req.Method == http.MethodPost && strings.HasPrefix(href, d.dataEndpoint):
		return StrategyQueuedNetwork
	case req.Method == http.MethodGet && strings.HasPrefix(href, d.catalogEndpoint):
		return StrategyStaleWhileRevalidate
	case isNavigation(req):
		return StrategyNetworkFirst
	case req.Method == http.MethodGet:
		return StrategyCacheFirst
	}
	return StrategyPassThrough
}

// isNavigation reports whether the request is a top-level navigation,
// as announced by the browser's Fetch Metadata.
func isNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// destination returns the declared resource type of the request.
func destination(req *http.Request) string {
	return strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))
}

// storedLongTerm reports whether responses for the request belong in the static namespace.
func storedLongTerm(req *http.Request) bool {
	switch destination(req) {
	case "document", "script", "style", "image":
		return true
	}
	return false
}
