package policy

import (
	"net/http"
	"strings"
)

// Class is the request class a caching strategy is picked by.
type Class string

const (
	// Unsafe methods, never cached nor served from cache.
	ClassPassthrough Class = "passthrough"
	// API requests use the network-first strategy.
	ClassAPI Class = "api"
	// Static assets use the cache-first strategy with background refresh.
	ClassStatic Class = "static"
)

func (c Class) valid() bool {
	return c == ClassPassthrough || c == ClassAPI || c == ClassStatic
}

// Classifier sorts intercepted requests into classes.
type Classifier struct {
	// External API hosts. A leading dot matches subdomains too.
	APIHosts []string
	// Path segments marking API requests on any host, e.g. "/api/".
	APIPathSegments []string
	// Rules are checked before the host and path heuristics.
	Rules Rules
}

// Classify returns the class of the request.
// The request URL should be absolute, otherwise host matching is skipped.
func (c Classifier) Classify(req *http.Request) Class {
	if req.Method != http.MethodGet {
		return ClassPassthrough
	}
	if rule := c.Rules.find(req); rule != nil {
		return rule.Class
	}
	if c.IsAPIHost(req.URL.Hostname()) {
		return ClassAPI
	}
	for _, segment := range c.APIPathSegments {
		if segment != "" && strings.Contains(req.URL.Path, segment) {
			return ClassAPI
		}
	}
	return ClassStatic
}

// IsAPIHost reports whether host is one of the external API hosts.
func (c Classifier) IsAPIHost(host string) bool {
	if host == "" {
		return false
	}
	for _, pattern := range c.APIHosts {
		if hostMatches(pattern, host) {
			return true
		}
	}
	return false
}
