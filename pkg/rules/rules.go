package rules

import (
	"fmt"
	"net/http"
	"strings"
)

// Strategy is the way an intercepted request is answered.
type Strategy string

const (
	// Bypass leaves the request alone, it always goes to the network.
	Bypass Strategy = "bypass"
	// CacheFirst serves stored responses, and stores every network response.
	// Meant for immutable resources.
	CacheFirst Strategy = "cache-first"
	// CacheFirstFallback serves stored responses, stores successful network
	// responses and falls back to the boot page for failed navigations.
	CacheFirstFallback Strategy = "cache-first-fallback"
)

func (s Strategy) Valid() bool {
	switch s {
	case Bypass, CacheFirst, CacheFirstFallback:
		return true
	}
	return false
}

type Rules []Rule

// Rule assigns a strategy to matching requests. Empty fields match anything.
type Rule struct {
	// Host matches the request hostname exactly.
	Host string `yaml:"host"`
	// HostContains matches if the request hostname contains the value.
	HostContains string `yaml:"hostContains"`
	// Prefix matches the request path prefix.
	Prefix   string   `yaml:"prefix"`
	Method   string   `yaml:"method"`
	Strategy Strategy `yaml:"strategy"`
}

// Validate checks that every rule has a known strategy.
func (r Rules) Validate() error {
	for i, rule := range r {
		if !rule.Strategy.Valid() {
			return fmt.Errorf("rule %d: unknown strategy %q", i, rule.Strategy)
		}
	}
	return nil
}

// Find returns the first rule matching the request.
// The request URL is expected to be absolute.
func (r Rules) Find(req *http.Request) (Rule, bool) {
	for _, rule := range r {
		if rule.matches(req) {
			return rule, true
		}
	}
	return Rule{}, false
}

func (rule Rule) matches(req *http.Request) bool {
	host := strings.ToLower(req.URL.Hostname())
	if rule.Host != "" && !strings.EqualFold(rule.Host, host) {
		return false
	}
	if rule.HostContains != "" && !strings.Contains(host, strings.ToLower(rule.HostContains)) {
		return false
	}
	if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
		return false
	}
	if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
		return false
	}
	return true
}
