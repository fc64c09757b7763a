package fingerprint

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = " "

// Keyer derives cache fingerprints from requests.
// Relative request URLs are resolved against the origin,
// so the same resource always maps to the same fingerprint.
type Keyer struct {
	Origin *url.URL
}

func NewKeyer(origin *url.URL) Keyer {
	return Keyer{Origin: origin}
}

// Fingerprint returns the method + absolute URL identity of the request.
// Only GET requests have a fingerprint; anything else returns ErrorMethodNotSupported.
// The URL fragment is never part of the fingerprint.
func (k Keyer) Fingerprint(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return http.MethodGet + methodSeparator + k.Resolve(r.URL).String(), nil
}

// Resolve makes u absolute against the origin (if it is not already).
func (k Keyer) Resolve(u *url.URL) *url.URL {
	resolved := *u
	if !resolved.IsAbs() && k.Origin != nil {
		resolved = *k.Origin.ResolveReference(u)
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return &resolved
}

// URL returns the URL encoded in a fingerprint.
func URL(fp string) (*url.URL, error) {
	method, uri, found := strings.Cut(fp, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed fingerprint: %s", fp)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return url.Parse(uri)
}

// Request generates a request that, fingerprint-wise, equals the request
// that produced fp. It returns an error if the request cannot be deducted.
func Request(fp string) (*http.Request, error) {
	u, err := URL(fp)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodGet, u.String(), nil)
}

// Host returns the lowercase hostname (no port) of the fingerprint URL.
// It returns an empty string for malformed fingerprints.
func Host(fp string) string {
	u, err := URL(fp)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
