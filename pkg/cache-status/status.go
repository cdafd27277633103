// Package cachestatus builds Cache-Status response header values (RFC 9211).
package cachestatus

import "fmt"

// HeaderName is the response header carrying the cache status.
const HeaderName = "Cache-Status"

// CacheName identifies this cache in Cache-Status header values.
const CacheName = "Offline-Cache"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdMiss = "miss"

	// The cache was able to select a response for the request, but
	// the request's semantics did not allow its use.
	FwdRequest = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdStale = "stale"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is set when the response was (or will be) written to a cache namespace.
	Stored bool
	detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
