package offline

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// RoundTrip implements the http.RoundTripper interface.
// Intercepted requests are resolved by their strategy and carry a Cache-Status header;
// transport errors are only returned for failed asset fetches without a cached copy
// and for mutations that could not be queued (wrapping ErrNotQueued).
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy := d.Classify(req)
	var o outcome
	switch strategy {
	case StrategyQueuedNetwork:
		o = d.queuedNetwork(req)
	case StrategyStaleWhileRevalidate:
		o = d.staleWhileRevalidate(req)
	case StrategyNetworkFirst:
		o = d.networkFirst(req)
	case StrategyCacheFirst:
		o = d.cacheFirst(req)
	default:
		d.metrics.request(strategy, "network")
		d.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Passing through")
		return d.transport.RoundTrip(req)
	}

	d.metrics.request(strategy, o.label)
	d.logRequest(req, strategy, o)
	if o.err != nil {
		return nil, o.err
	}
	if o.res.Header == nil {
		o.res.Header = make(http.Header)
	}
	o.res.Header.Add(cachestatus.HeaderName, o.status.String())
	return o.res, nil
}

func (d *Dispatcher) logRequest(req *http.Request, strategy Strategy, o outcome) {
	e := d.log.Debug()
	if o.err != nil {
		e = d.log.Warn().Err(o.err)
	}
	e.Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("strategy", string(strategy)).
		Str("outcome", o.label).
		Str("status", string(o.status.Status)).
		Str("fwd", string(o.status.FwdReason)).
		Bool("stored", o.status.Stored).
		Msg("Request resolved")
}

// ServeHTTP implements the http.Handler interface.
// Requests are forwarded to the configured origin through the dispatcher.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.reverseproxy.ServeHTTP(w, r)
}

// direct rewrites the incoming request to target the origin.
// Without an origin, absolute request URLs are kept (forward proxy) and
// relative ones are resolved against the Host header.
func (d *Dispatcher) direct(req *http.Request) {
	if d.origin != nil {
		req.URL.Scheme = d.origin.Scheme
		req.URL.Host = d.origin.Host
		req.Host = d.origin.Host
		return
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
		if req.TLS != nil {
			req.URL.Scheme = "https"
		}
	}
}

func (d *Dispatcher) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, ErrNotQueued) {
		status = http.StatusServiceUnavailable
	}
	d.log.Error().Err(err).Str("url", r.URL.String()).Int("status", status).Msg("Could not resolve request")
	w.WriteHeader(status)
}

// synthesize creates a locally generated response.
func synthesize(req *http.Request, status int, contentType, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// queuedResponse acknowledges a mutation that was queued for later delivery.
func queuedResponse(req *http.Request) *http.Response {
	return synthesize(req, http.StatusAccepted, "application/json", `{"queued":true}`)
}

// emptyCatalogResponse is served for catalog reads when neither cache nor network can answer.
func emptyCatalogResponse(req *http.Request) *http.Response {
	return synthesize(req, http.StatusOK, "application/json", `[]`)
}

// offlineResponse is served for navigations when offline without a cached root document.
func offlineResponse(req *http.Request, html string) *http.Response {
	return synthesize(req, http.StatusOK, "text/html; charset=utf-8", html)
}
