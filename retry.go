package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RegisterResult is the answer of a background-retry registration.
type RegisterResult int

const (
	RetryUnsupported RegisterResult = iota
	RetrySupported
)

func (r RegisterResult) String() string {
	if r == RetrySupported {
		return "supported"
	}
	return "unsupported"
}

// RetryRegistrar is the host's ability to fire a retry signal later, when it sees fit.
type RetryRegistrar interface {
	// TryRegisterRetry asks for a future retry signal carrying the tag.
	// Registration is best-effort, RetryUnsupported means no signal will come.
	TryRegisterRetry(ctx context.Context, tag string) RegisterResult
}

// NoRetry is a RetryRegistrar for hosts without background retries.
type NoRetry struct{}

func (NoRetry) TryRegisterRetry(context.Context, string) RegisterResult {
	return RetryUnsupported
}

// RetrySignalHandler receives background-retry signals.
// It is implemented by SyncCoordinator.
type RetrySignalHandler interface {
	OnBackgroundRetrySignal(ctx context.Context, tag string) (bool, error)
}

const defaultRetryInterval = 30 * time.Second

// BackgroundSync is a RetryRegistrar firing retry signals periodically.
// A registered tag stays pending until a signal for it leaves nothing to retry
// and no registration for it happened while the signal ran.
type BackgroundSync struct {
	handler  RetrySignalHandler
	interval time.Duration
	log      zerolog.Logger

	mu sync.Mutex
	// tag -> registration generation
	pending map[string]uint64
}

// NewBackgroundSync creates a background sync firing signals to the handler every interval (30 seconds if zero).
func NewBackgroundSync(handler RetrySignalHandler, interval time.Duration, logger *zerolog.Logger) *BackgroundSync {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	if logger == nil {
		logger = &log.Logger
	}
	return &BackgroundSync{
		handler:  handler,
		interval: interval,
		log:      logger.With().Str("component", "background-sync").Logger(),
		pending:  make(map[string]uint64),
	}
}

func (b *BackgroundSync) TryRegisterRetry(ctx context.Context, tag string) RegisterResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[tag]; !ok {
		b.log.Debug().Str("tag", tag).Msg("Retry registered")
	}
	b.pending[tag]++
	return RetrySupported
}

// Pending returns the registered tags, sorted.
func (b *BackgroundSync) Pending() []string {
	tags, _ := b.snapshot()
	return tags
}

// snapshot returns the sorted pending tags and their current generations.
func (b *BackgroundSync) snapshot() ([]string, map[string]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]string, 0, len(b.pending))
	generations := make(map[string]uint64, len(b.pending))
	for tag, gen := range b.pending {
		tags = append(tags, tag)
		generations[tag] = gen
	}
	sort.Strings(tags)
	return tags, generations
}

// FirePending signals every pending tag once.
// Tags whose signal completed are no longer pending, unless they were
// registered again while the signal ran.
func (b *BackgroundSync) FirePending(ctx context.Context) {
	tags, generations := b.snapshot()
	for _, tag := range tags {
		done, err := b.handler.OnBackgroundRetrySignal(ctx, tag)
		if err != nil {
			b.log.Warn().Err(err).Str("tag", tag).Msg("Retry signal failed")
			continue
		}
		if !done {
			continue
		}
		b.mu.Lock()
		reregistered := b.pending[tag] != generations[tag]
		if !reregistered {
			delete(b.pending, tag)
		}
		b.mu.Unlock()
		if reregistered {
			b.log.Debug().Str("tag", tag).Msg("Retry registered again during signal, keeping it pending")
			continue
		}
		b.log.Debug().Str("tag", tag).Msg("Retry completed")
	}
}

// Run fires pending signals every interval until the context is done.
func (b *BackgroundSync) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.FirePending(ctx)
		}
	}
}
