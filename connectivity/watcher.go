// Package connectivity detects when the network comes back.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 5 * time.Second
)

type Config struct {
	// URL probed with a HEAD request. Any response means online. Required.
	ProbeURL string
	// Time between probes. 10 seconds if zero.
	Interval time.Duration
	// Timeout of a single probe. 5 seconds if zero.
	Timeout time.Duration
	// Transport used for probes. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Called on every offline to online transition.
	OnRestored func(ctx context.Context)
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Watcher probes the network periodically.
// The first probe only establishes the initial state, so no transition is reported for it.
type Watcher struct {
	probeURL   string
	interval   time.Duration
	client     *http.Client
	onRestored func(ctx context.Context)
	log        zerolog.Logger

	mu     sync.Mutex
	known  bool
	online bool
}

func NewWatcher(config Config) *Watcher {
	interval := config.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	return &Watcher{
		probeURL: config.ProbeURL,
		interval: interval,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		onRestored: config.OnRestored,
		log:        logger.With().Str("component", "connectivity").Logger(),
	}
}

// Online reports the result of the last probe.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Check probes once and reports whether the network is reachable.
// OnRestored is called synchronously if the network came back since the previous check.
func (w *Watcher) Check(ctx context.Context) bool {
	online := w.probe(ctx)

	w.mu.Lock()
	restored := w.known && !w.online && online
	changed := !w.known || w.online != online
	w.known = true
	w.online = online
	w.mu.Unlock()

	if changed {
		w.log.Info().Bool("online", online).Msg("Connectivity changed")
	}
	if restored && w.onRestored != nil {
		w.onRestored(ctx)
	}
	return online
}

func (w *Watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.probeURL, nil)
	if err != nil {
		w.log.Error().Err(err).Str("url", w.probeURL).Msg("Invalid probe URL")
		return false
	}
	res, err := w.client.Do(req)
	if err != nil {
		w.log.Trace().Err(err).Msg("Probe failed")
		return false
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return true
}

// Run probes every interval until the context is done.
func (w *Watcher) Run(ctx context.Context) {
	w.Check(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
