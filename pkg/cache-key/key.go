package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrMethodNotSupported is returned for requests whose responses may not be stored.
// Only GET responses are stored.
var ErrMethodNotSupported = errors.New("method not supported")

const methodSeparator = " "

// CacheKeyer builds cache keys from request identity, i.e. method and absolute URL.
// Relative request URLs are resolved against the scope.
type CacheKeyer struct {
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	return CacheKeyer{Scope: scope}
}

// Resolve returns the absolute URL for a possibly relative reference,
// without its fragment. Scheme and host are lowercased, the default port is
// dropped and an empty path becomes "/", so equal resources get equal keys.
func (c CacheKeyer) Resolve(ref *url.URL) *url.URL {
	u := *ref
	if !u.IsAbs() && c.Scope != nil {
		u = *c.Scope.ResolveReference(&u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.IsAbs() && u.Host != "" {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = normalizeHost(u.Scheme, u.Host)
		if u.Path == "" && u.Opaque == "" {
			u.Path = "/"
			u.RawPath = ""
		}
	}
	return &u
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

func normalizeHost(scheme, host string) string {
	u := url.URL{Host: host}
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname
	}
	return hostname + ":" + port
}

// ResolveString is Resolve for string references, e.g. configured shell paths.
func (c CacheKeyer) ResolveString(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return c.Resolve(u), nil
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + methodSeparator + c.Resolve(r.URL).String()
}

// StorableKey is GetKey for requests whose responses may be put in a cache.
func (c CacheKeyer) StorableKey(r *http.Request) (string, error) {
	if r.Method != "" && r.Method != http.MethodGet {
		return "", fmt.Errorf("%w: %s", ErrMethodNotSupported, r.Method)
	}
	return c.GetKey(r), nil
}

// GetRequestFromKey recreates a request equal (cache-wise) to the request
// that resulted in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}
