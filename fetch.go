package offlinesync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	cachestatus "github.com/always-cache/offline-sync/pkg/cache-status"
)

// Fetch serves an intercepted request.
// Before activation requests go straight to the network.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := w.Dispatch(ctx, Event{Kind: KindFetch, Request: req})
	return res.Response, err
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	if ev.Request == nil {
		return Result{}, fmt.Errorf("%w: fetch without request", ErrBadRequest)
	}
	var (
		res *http.Response
		err error
	)
	if w.isActivated() {
		res, err = w.router.Handle(ctx, ev.Request)
	} else {
		res, err = w.router.Bypass(ctx, ev.Request)
	}
	return Result{Response: res}, err
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	w.serve(rw, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
		w.escapeHatch(rw, r)
	}
}

// escapeHatch proxies the request to the origin, bypassing the cache.
func (w *Worker) escapeHatch(rw http.ResponseWriter, r *http.Request) {
	res, err := w.router.Bypass(r.Context(), r)
	if err != nil {
		w.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	w.write(rw, r, res)
}

func (w *Worker) serve(rw http.ResponseWriter, r *http.Request) {
	res, err := w.Fetch(r.Context(), r)
	if err != nil {
		status := HTTPStatus(err)
		w.log.Debug().Err(err).Str("url", r.URL.String()).Int("status", status).Msg("Could not serve request")
		cs := cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdRequest)
		rw.Header().Set(cachestatus.HeaderName, cs.String())
		http.Error(rw, http.StatusText(status), status)
		return
	}
	w.write(rw, r, res)
}

func (w *Worker) write(rw http.ResponseWriter, r *http.Request, res *http.Response) {
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", sourceIP(r)).
		Int("status", res.StatusCode).
		Str("cacheStatus", res.Header.Get(cachestatus.HeaderName)).
		Int64("bytes", bytesWritten).
		Msg("Sent response to client")
}

// hop-by-hop headers are not forwarded
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func sourceIP(r *http.Request) string {
	// RemoteAddr is 1.2.3.4:10000 for ipv4
	// and [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
