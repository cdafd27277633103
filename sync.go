package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type SyncConfig struct {
	// Outbox to drain. Required.
	Queue *queue.Queue
	// URL queued mutations are delivered to. Required.
	DataEndpoint string
	// Transport used for deliveries. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Background-retry tag of the outbox. DefaultSyncTag if empty.
	Tag string
	// Prometheus metrics. Nothing is recorded if nil.
	Metrics *Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// SyncCoordinator drains the outbox when the host signals that delivery may succeed.
type SyncCoordinator struct {
	queue        *queue.Queue
	dataEndpoint string
	client       *http.Client
	tag          string
	metrics      *Metrics
	log          zerolog.Logger

	drains singleflight.Group
}

func NewSyncCoordinator(config SyncConfig) (*SyncCoordinator, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	u, err := url.Parse(config.DataEndpoint)
	if err != nil {
		return nil, fmt.Errorf("data endpoint: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("data endpoint %q must be an absolute URL", config.DataEndpoint)
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	tag := config.Tag
	if tag == "" {
		tag = DefaultSyncTag
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	return &SyncCoordinator{
		queue:        config.Queue,
		dataEndpoint: config.DataEndpoint,
		client: &http.Client{
			Transport: transport,
			// any received response counts as delivered, redirects included
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tag:     tag,
		metrics: config.Metrics,
		log:     logger.With().Str("component", "sync").Logger(),
	}, nil
}

// Tag returns the background-retry tag of the outbox.
func (s *SyncCoordinator) Tag() string {
	return s.tag
}

// OnConnectivityRestored drains the outbox.
func (s *SyncCoordinator) OnConnectivityRestored(ctx context.Context) (queue.DrainResult, error) {
	s.log.Debug().Msg("Connectivity restored")
	return s.drain(ctx)
}

// OnBackgroundRetrySignal drains the outbox if the tag is the outbox tag.
// Other tags are ignored.
// It reports whether nothing is left to retry for the tag.
func (s *SyncCoordinator) OnBackgroundRetrySignal(ctx context.Context, tag string) (bool, error) {
	if tag != s.tag {
		s.log.Trace().Str("tag", tag).Msg("Ignoring retry signal")
		return true, nil
	}
	result, err := s.drain(ctx)
	if err != nil {
		return false, err
	}
	return result.Complete() && result.Remaining == 0, nil
}

// drain runs one drain attempt. Concurrent callers share the attempt in progress.
func (s *SyncCoordinator) drain(ctx context.Context) (queue.DrainResult, error) {
	v, err, shared := s.drains.Do("drain", func() (interface{}, error) {
		return s.queue.DrainAttempt(ctx, s.Deliver)
	})
	result, _ := v.(queue.DrainResult)
	if !shared {
		s.metrics.drained(result, err)
	}
	return result, err
}

// Deliver sends one entry to the data endpoint.
// Only a transport failure is an error, any response status counts as delivered.
func (s *SyncCoordinator) Deliver(ctx context.Context, e queue.Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.dataEndpoint, bytes.NewReader(e.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.Headers {
		req.Header.Set(name, value)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	s.log.Debug().Uint64("id", e.ID).Int("status", res.StatusCode).Msg("Entry delivered")
	return nil
}
