package cachestatus

import "fmt"

// HeaderName is the response header carrying the cache status.
const HeaderName = "Cache-Status"

const cacheName = "Offline-Sync"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The worker was configured to not handle this request.
	FwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss = "uri-miss"

	// The strategy prefers the network over any stored response.
	FwdRequest = "request"
)

// Details used next to a status.
const (
	// The network fetch failed and a stored response was used instead.
	DetailFallback = "fallback"
	// A stored response was returned and a refresh runs in the background.
	DetailRevalidate = "revalidate"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
