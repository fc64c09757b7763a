package policy

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule forces a class for matching requests.
// Empty fields match everything.
type Rule struct {
	Host   string            `yaml:"host"`
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`
	Class  Class             `yaml:"class"`
}

// find returns the first rule matching the request, or nil.
// Rules never apply to unsafe methods, those always pass through.
func (r Rules) find(req *http.Request) *Rule {
	if req.Method != http.MethodGet {
		return nil
	}
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Host != "" && !hostMatches(rule.Host, req.URL.Hostname()) {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		if !rule.Class.valid() {
			log.Warn().Str("class", string(rule.Class)).Msg("Ignoring rule with unknown class")
			continue
		}
		return &rule
	}
	return nil
}

// hostMatches reports whether host equals pattern.
// A pattern starting with a dot matches the domain and all its subdomains.
func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if strings.HasPrefix(pattern, ".") {
		return host == pattern[1:] || strings.HasSuffix(host, pattern)
	}
	return host == pattern
}
