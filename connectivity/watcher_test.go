package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

// switchTransport fails while offline is set.
type switchTransport struct {
	offline atomic.Bool
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestWatcherReportsRestoredOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := &switchTransport{}
	restored := 0
	w := NewWatcher(Config{
		ProbeURL:   server.URL,
		Transport:  transport,
		OnRestored: func(context.Context) { restored++ },
	})
	ctx := context.Background()

	// initial state, no transition
	assert.True(t, w.Check(ctx))
	assert.Equal(t, 0, restored)

	transport.offline.Store(true)
	assert.False(t, w.Check(ctx))
	assert.False(t, w.Online())
	assert.Equal(t, 0, restored)

	transport.offline.Store(false)
	assert.True(t, w.Check(ctx))
	assert.Equal(t, 1, restored)

	// staying online is not a transition
	assert.True(t, w.Check(ctx))
	assert.Equal(t, 1, restored)
}

func TestWatcherErrorStatusIsOnline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	w := NewWatcher(Config{ProbeURL: server.URL})
	assert.True(t, w.Check(context.Background()))
}

func TestWatcherStartingOffline(t *testing.T) {
	transport := &switchTransport{}
	transport.offline.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	restored := 0
	w := NewWatcher(Config{
		ProbeURL:   server.URL,
		Transport:  transport,
		OnRestored: func(context.Context) { restored++ },
	})
	assert.False(t, w.Check(context.Background()))
	transport.offline.Store(false)
	assert.True(t, w.Check(context.Background()))
	assert.Equal(t, 1, restored)
}
