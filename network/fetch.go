// Package network is the outbound network contract of the worker.
// Every fetch is bounded by a timeout, and every transport level failure
// (timeout, DNS, refused connection, offline) is reported as ErrUnavailable.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable is wrapped by all transport failures.
// An HTTP response of any status is not a failure at this level.
var ErrUnavailable = errors.New("network unavailable")

// Fetcher performs network fetches.
// The returned response body must be closed by the caller.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches with an http.Client.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher creates a fetcher bounded by timeout (no bound if zero).
// A nil client means a client that does not follow redirects,
// so redirects reach the caller (and the cache) as they are.
func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPFetcher{client: client, timeout: timeout}
}

// Fetch executes the request. The timeout covers the whole exchange,
// including reading the body, so it is released when the body is closed.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if f.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
	}
	outReq := req.Clone(ctx)
	// server requests carry a RequestURI, client requests must not
	outReq.RequestURI = ""
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if outReq.ContentLength == 0 {
		outReq.Body = nil
	}
	// do not forward connection header, this causes trouble
	outReq.Header.Del("Connection")

	res, err := f.client.Do(outReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w: %w", req.Method, req.URL, ErrUnavailable, err)
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

// ReadBody reads and closes the response body.
// A failure while reading is a transport failure as well.
func ReadBody(res *http.Response) ([]byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w: %w", ErrUnavailable, err)
	}
	return body, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
