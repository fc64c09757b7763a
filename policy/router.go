package policy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-sync/cache"
	cachestatus "github.com/always-cache/offline-sync/pkg/cache-status"
	"github.com/always-cache/offline-sync/pkg/fingerprint"
	"github.com/always-cache/offline-sync/network"
)

type Config struct {
	Store      cache.Store
	Fetcher    network.Fetcher
	Keyer      fingerprint.Keyer
	Classifier Classifier
	// Namespace for static assets (cache-first).
	StaticNamespace string
	// Namespace for API responses (network-first).
	DynamicNamespace string
	Logger           zerolog.Logger
	// Clock. time.Now if nil.
	Now func() time.Time
}

// Router classifies intercepted requests and serves them
// with the caching strategy of their class.
type Router struct {
	store      cache.Store
	fetcher    network.Fetcher
	keyer      fingerprint.Keyer
	classifier Classifier
	staticNs   string
	dynamicNs  string
	log        zerolog.Logger
	now        func() time.Time
	// background revalidations
	detached sync.WaitGroup
}

func NewRouter(config Config) *Router {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		store:      config.Store,
		fetcher:    config.Fetcher,
		keyer:      config.Keyer,
		classifier: config.Classifier,
		staticNs:   config.StaticNamespace,
		dynamicNs:  config.DynamicNamespace,
		log:        config.Logger.With().Str("component", "router").Logger(),
		now:        now,
	}
}

// Handle serves an intercepted request.
// The returned response always carries a Cache-Status header.
// A transport failure without a stored fallback wraps network.ErrUnavailable.
func (r *Router) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := r.outgoing(ctx, req)
	class := r.classifier.Classify(out)
	r.log.Trace().Str("class", string(class)).Str("url", out.URL.String()).Msg("Classified request")

	if class == ClassPassthrough {
		return r.forward(ctx, out, cachestatus.FwdMethod)
	}

	fp, err := r.keyer.Fingerprint(out)
	if err != nil {
		return nil, err
	}
	if class == ClassAPI {
		return r.networkFirst(ctx, out, fp)
	}
	return r.cacheFirst(ctx, out, fp)
}

// Bypass sends the request to the network without looking at the cache.
func (r *Router) Bypass(ctx context.Context, req *http.Request) (*http.Response, error) {
	return r.forward(ctx, r.outgoing(ctx, req), cachestatus.FwdBypass)
}

func (r *Router) forward(ctx context.Context, out *http.Request, reason cachestatus.FwdReason) (*http.Response, error) {
	res, err := r.fetcher.Fetch(ctx, out)
	if err != nil {
		return nil, err
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	return withStatus(res, cs), nil
}

// Prefetch fetches a static asset and returns the entry that would be stored for it,
// without storing it. Responses that may not be stored are an error.
// Redirects are not followed, so a manifest must list final same-origin URLs.
func (r *Router) Prefetch(ctx context.Context, req *http.Request) (cache.Entry, error) {
	out := r.outgoing(ctx, req)
	fp, err := r.keyer.Fingerprint(out)
	if err != nil {
		return cache.Entry{}, err
	}
	if !r.sameOrigin(out) {
		return cache.Entry{}, fmt.Errorf("prefetch %s: not on the origin %s", fp, r.keyer.Origin)
	}
	res, body, err := r.fetch(ctx, out)
	if err != nil {
		return cache.Entry{}, err
	}
	if location := res.Header.Get("Location"); location != "" && res.StatusCode >= 300 && res.StatusCode < 400 {
		return cache.Entry{}, fmt.Errorf("prefetch %s: redirects to %s", fp, location)
	}
	if !r.staticCacheable(out, res) {
		return cache.Entry{}, fmt.Errorf("prefetch %s: response with status %d cannot be stored", fp, res.StatusCode)
	}
	return cache.NewEntry(fp, res, body, r.now()), nil
}

// Classify returns the class the request would be handled with.
func (r *Router) Classify(req *http.Request) Class {
	return r.classifier.Classify(r.outgoing(req.Context(), req))
}

// outgoing resolves the request against the origin.
func (r *Router) outgoing(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.URL = r.keyer.Resolve(req.URL)
	// the Host header follows the resolved URL
	out.Host = ""
	return out
}

func (r *Router) networkFirst(ctx context.Context, req *http.Request, fp string) (*http.Response, error) {
	log := r.log.With().Str("fingerprint", fp).Logger()
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdRequest)

	res, body, err := r.fetch(ctx, req)
	if err != nil {
		entry, ok, cacheErr := r.store.Get(ctx, r.dynamicNs, fp)
		if cacheErr != nil {
			log.Warn().Err(cacheErr).Msg("Could not read fallback from cache")
		}
		if !ok {
			log.Debug().Err(err).Msg("Network failed and nothing stored")
			return nil, err
		}
		log.Debug().Err(err).Dur("age", entry.Age(r.now())).Msg("Network failed, serving stored response")
		cs.Hit()
		cs.Detail = cachestatus.DetailFallback
		return withStatus(entry.Response(req), cs), nil
	}

	if apiCacheable(res) {
		if err := r.store.Put(ctx, r.dynamicNs, fp, cache.NewEntry(fp, res, body, r.now())); err != nil {
			log.Error().Err(err).Msg("Could not write to cache")
		} else {
			cs.Stored = true
		}
	}
	return withStatus(withBody(res, body), cs), nil
}

func (r *Router) cacheFirst(ctx context.Context, req *http.Request, fp string) (*http.Response, error) {
	log := r.log.With().Str("fingerprint", fp).Logger()
	cs := cachestatus.CacheStatus{}

	entry, ok, err := r.store.Get(ctx, r.staticNs, fp)
	if err != nil {
		// treat as a miss, the network can still serve the request
		log.Warn().Err(err).Msg("Could not read from cache")
	}
	if ok {
		r.revalidate(ctx, req, fp)
		cs.Hit()
		cs.Detail = cachestatus.DetailRevalidate
		return withStatus(entry.Response(req), cs), nil
	}

	cs.Forward(cachestatus.FwdUriMiss)
	res, body, err := r.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.staticCacheable(req, res) {
		if err := r.store.Put(ctx, r.staticNs, fp, cache.NewEntry(fp, res, body, r.now())); err != nil {
			log.Error().Err(err).Msg("Could not write to cache")
		} else {
			cs.Stored = true
		}
	}
	return withStatus(withBody(res, body), cs), nil
}

// revalidate refreshes a static entry without blocking the caller.
// The refresh outlives the request it was started by.
func (r *Router) revalidate(ctx context.Context, req *http.Request, fp string) {
	bgCtx := context.WithoutCancel(ctx)
	bgReq := req.Clone(bgCtx)
	r.detached.Add(1)
	go func() {
		defer r.detached.Done()
		if _, err := r.refresh(bgCtx, bgReq, fp, ClassStatic); err != nil {
			r.log.Debug().Err(err).Str("fingerprint", fp).Msg("Background refresh failed")
		}
	}()
}

// Refresh fetches the request from the network and stores the result
// in the namespace of its class, regardless of what is stored already.
// It returns whether the response was stored.
func (r *Router) Refresh(ctx context.Context, req *http.Request) (bool, error) {
	out := r.outgoing(ctx, req)
	class := r.classifier.Classify(out)
	if class == ClassPassthrough {
		return false, fmt.Errorf("cannot refresh %s %s: %w", out.Method, out.URL, fingerprint.ErrorMethodNotSupported)
	}
	fp, err := r.keyer.Fingerprint(out)
	if err != nil {
		return false, err
	}
	return r.refresh(ctx, out, fp, class)
}

func (r *Router) refresh(ctx context.Context, req *http.Request, fp string, class Class) (bool, error) {
	res, body, err := r.fetch(ctx, req)
	if err != nil {
		return false, err
	}
	ns, cacheable := r.dynamicNs, apiCacheable(res)
	if class == ClassStatic {
		ns, cacheable = r.staticNs, r.staticCacheable(req, res)
	}
	if !cacheable {
		return false, fmt.Errorf("refresh %s: response with status %d not stored", fp, res.StatusCode)
	}
	if err := r.store.Put(ctx, ns, fp, cache.NewEntry(fp, res, body, r.now())); err != nil {
		return false, err
	}
	r.log.Trace().Str("fingerprint", fp).Str("namespace", ns).Msg("Refreshed entry")
	return true, nil
}

// Wait blocks until all background refreshes have finished.
func (r *Router) Wait() {
	r.detached.Wait()
}

func (r *Router) fetch(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	res, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	body, err := network.ReadBody(res)
	if err != nil {
		return nil, nil, err
	}
	return res, body, nil
}

// apiCacheable reports whether an API response may be stored:
// any success except partial content.
func apiCacheable(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300 &&
		res.StatusCode != http.StatusPartialContent &&
		res.Header.Get("Content-Range") == ""
}

// staticCacheable reports whether a static response may be stored:
// a complete 200 from the origin itself (no opaque cross-origin responses).
func (r *Router) staticCacheable(req *http.Request, res *http.Response) bool {
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Range") != "" {
		return false
	}
	return r.sameOrigin(req)
}

func (r *Router) sameOrigin(req *http.Request) bool {
	origin := r.keyer.Origin
	if origin == nil {
		return true
	}
	return strings.EqualFold(origin.Scheme, req.URL.Scheme) && strings.EqualFold(origin.Host, req.URL.Host)
}

// withBody replaces the (already consumed) body of the response.
func withBody(res *http.Response, body []byte) *http.Response {
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Del("Content-Length")
	res.TransferEncoding = nil
	return res
}

func withStatus(res *http.Response, cs cachestatus.CacheStatus) *http.Response {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(cachestatus.HeaderName, cs.String())
	return res
}
