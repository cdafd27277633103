package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	requestkey "github.com/always-cache/offline-cache/pkg/request-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/google/uuid"
)

// outcome is the result of a strategy: the response (or error) and how it was obtained.
type outcome struct {
	res    *http.Response
	err    error
	status cachestatus.CacheStatus
	// short metrics label
	label string
}

func (d *Dispatcher) fetch(req *http.Request) (*http.Response, error) {
	res, err := d.transport.RoundTrip(req)
	if err != nil {
		d.log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("Transport failure")
		return nil, err
	}
	return res, nil
}

// queuedNetwork delivers a mutation, and queues it for later delivery if the network is unavailable.
func (d *Dispatcher) queuedNetwork(req *http.Request) outcome {
	o := outcome{}
	o.status.Forward(cachestatus.FwdMethod)

	body, err := readRequestBody(req)
	if err != nil {
		o.err = fmt.Errorf("read request body: %w", err)
		o.label = "error"
		return o
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))

	res, fetchErr := d.fetch(out)
	if fetchErr == nil {
		o.res = res
		o.label = "network"
		return o
	}

	payload := json.RawMessage(body)
	if !json.Valid(payload) {
		d.log.Warn().Str("url", req.URL.String()).Int("bytes", len(body)).Msg("Request body is not JSON, queueing empty object")
		payload = json.RawMessage("{}")
	}
	// the entry must be persisted even if the caller already gave up
	ctx := context.WithoutCancel(req.Context())
	entry, err := d.queue.Enqueue(ctx, queue.Entry{
		Body:    payload,
		Headers: d.retainedHeaders(req),
	})
	if err != nil {
		o.err = fmt.Errorf("%w: %w (network: %w)", ErrNotQueued, err, fetchErr)
		o.label = "error"
		return o
	}
	d.metrics.queued()
	d.log.Info().Uint64("id", entry.ID).Str("url", req.URL.String()).Msg("Network unavailable, mutation queued")

	if d.retry.TryRegisterRetry(ctx, d.syncTag) == RetryUnsupported {
		d.log.Debug().Str("tag", d.syncTag).Msg("Background retry not supported, waiting for connectivity")
	}

	o.status.Forward(cachestatus.FwdMiss)
	o.status.Detail("queued")
	o.res = queuedResponse(req)
	o.label = "queued"
	return o
}

// retainedHeaders returns the headers kept with a queued mutation,
// including the idempotency key.
func (d *Dispatcher) retainedHeaders(req *http.Request) map[string]string {
	headers := make(map[string]string)
	for _, name := range d.retainHeaders {
		if v := req.Header.Get(name); v != "" {
			headers[http.CanonicalHeaderKey(name)] = v
		}
	}
	if d.idempotencyHeader != "" {
		key := req.Header.Get(d.idempotencyHeader)
		if key == "" {
			key = uuid.NewString()
		}
		headers[http.CanonicalHeaderKey(d.idempotencyHeader)] = key
	}
	return headers
}

func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// staleWhileRevalidate serves the cached catalog response, refreshing it from the network.
func (d *Dispatcher) staleWhileRevalidate(req *http.Request) outcome {
	ctx := req.Context()
	o := outcome{}

	h, err := d.cache.Open(ctx, cache.Dynamic)
	opened := err == nil
	if !opened {
		d.log.Error().Err(err).Msg("Could not open dynamic namespace")
	}

	if opened {
		if cached, ok := d.cache.Get(ctx, h, req); ok {
			revalidate := req.Clone(context.WithoutCancel(ctx))
			d.background(ctx, "revalidate", func(ctx context.Context) {
				res, err := d.fetch(revalidate.WithContext(ctx))
				if err != nil {
					return
				}
				defer res.Body.Close()
				d.put(ctx, h, revalidate, res)
			})
			o.res = cached
			o.status.Hit()
			o.label = "hit"
			return o
		}
	}

	res, err := d.fetch(req)
	if err != nil {
		o.res = emptyCatalogResponse(req)
		o.status.Forward(cachestatus.FwdUriMiss)
		o.status.Detail("offline")
		o.label = "synthesized"
		return o
	}
	o.status.Forward(cachestatus.FwdUriMiss)
	if opened {
		o.status.Stored = d.putAsync(ctx, h, req, res)
	} else {
		d.metrics.putFailed()
	}
	o.res = res
	o.label = "network"
	return o
}

// networkFirst serves navigations from the network, falling back to the cached root document.
func (d *Dispatcher) networkFirst(req *http.Request) outcome {
	o := outcome{}
	res, err := d.fetch(req)
	if err == nil {
		o.res = res
		o.status.Forward(cachestatus.FwdRequest)
		o.label = "network"
		return o
	}

	ctx := req.Context()
	if h, err := d.cache.Open(ctx, cache.Static); err != nil {
		d.log.Error().Err(err).Msg("Could not open static namespace")
	} else if root, ok := d.rootRequest(req); ok {
		if cached, ok := d.cache.Get(ctx, h, root); ok {
			o.res = cached
			o.status.Hit()
			o.status.Detail("offline")
			o.label = "fallback"
			return o
		}
	}
	o.res = offlineResponse(req, d.offlineHTML)
	o.status.Forward(cachestatus.FwdMiss)
	o.status.Detail("offline")
	o.label = "synthesized"
	return o
}

// rootRequest returns a GET request for the root document of the request's origin.
// It reports false if no such request can be built.
func (d *Dispatcher) rootRequest(req *http.Request) (*http.Request, bool) {
	root := &url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host}
	if ref, err := url.Parse(d.rootPath); err == nil {
		root = root.ResolveReference(ref)
	}
	r, err := http.NewRequestWithContext(req.Context(), http.MethodGet, root.String(), nil)
	if err != nil {
		d.log.Warn().Err(err).Str("url", root.String()).Msg("Could not build root document request")
		return nil, false
	}
	return r, true
}

// cacheFirst serves assets from the static namespace, refreshing them in the background.
func (d *Dispatcher) cacheFirst(req *http.Request) outcome {
	ctx := req.Context()
	o := outcome{}

	static, err := d.cache.Open(ctx, cache.Static)
	opened := err == nil
	if !opened {
		d.log.Error().Err(err).Msg("Could not open static namespace")
	}

	if opened {
		if cached, ok := d.cache.Get(ctx, static, req); ok {
			d.refreshAsync(req, static)
			o.res = cached
			o.status.Hit()
			o.label = "hit"
			return o
		}
	}

	res, fetchErr := d.fetch(req)
	if fetchErr == nil {
		o.status.Forward(cachestatus.FwdUriMiss)
		role := cache.Dynamic
		if storedLongTerm(req) {
			role = cache.Static
		}
		if h, err := d.cache.Open(ctx, role); err != nil {
			d.metrics.putFailed()
			d.log.Error().Err(err).Str("role", string(role)).Msg("Could not open namespace")
		} else {
			o.status.Stored = d.put(context.WithoutCancel(ctx), h, req, res)
		}
		o.res = res
		o.label = "network"
		return o
	}

	// another request may have stored the asset in the meantime
	if opened {
		if cached, ok := d.cache.Get(ctx, static, req); ok {
			o.res = cached
			o.status.Hit()
			o.status.Detail("offline")
			o.label = "fallback"
			return o
		}
	}
	o.err = fetchErr
	o.label = "error"
	return o
}

// refreshAsync fetches the asset in the background and overwrites the stored copy.
// Concurrent refreshes of the same asset are collapsed, failures are discarded.
func (d *Dispatcher) refreshAsync(req *http.Request, h cache.Handle) {
	key := h.Name() + "\n" + requestkey.Get(req)
	refresh := req.Clone(context.WithoutCancel(req.Context()))
	d.background(req.Context(), "refresh", func(ctx context.Context) {
		d.refreshes.Do(key, func() (interface{}, error) {
			res, err := d.fetch(refresh.WithContext(ctx))
			if err != nil {
				return nil, err
			}
			defer res.Body.Close()
			d.put(ctx, h, refresh, res)
			return nil, nil
		})
	})
}

// putAsync buffers the response and stores a copy in the background.
// It reports whether the write was scheduled.
func (d *Dispatcher) putAsync(ctx context.Context, h cache.Handle, req *http.Request, res *http.Response) bool {
	clone, err := serializer.Clone(res)
	if err != nil {
		d.log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not buffer response")
		return false
	}
	stored := req.Clone(context.WithoutCancel(ctx))
	d.background(ctx, "put", func(ctx context.Context) {
		d.put(ctx, h, stored, clone)
	})
	return true
}

// put stores the response and reports whether it was written.
// Failures are logged and otherwise ignored.
func (d *Dispatcher) put(ctx context.Context, h cache.Handle, req *http.Request, res *http.Response) bool {
	if err := d.cache.Put(ctx, h, req, res); err != nil {
		d.metrics.putFailed()
		d.log.Warn().Err(err).Str("namespace", h.Name()).Str("url", req.URL.String()).Msg("Could not write to cache")
		return false
	}
	return true
}
