// Package offlinecache implements an offline-caching agent for a single web
// application. It answers the application's requests from a named cache when
// possible and from the network otherwise, so the application keeps working
// without connectivity.
//
// The agent has three entry points that mirror the lifecycle of a browser
// service worker: Install pre-caches the application shell, Activate removes
// caches of previous versions and takes control, and HandleFetch answers a
// single request. ServeHTTP hosts the agent in front of the application.
package offlinecache

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/fetch"
	"github.com/always-cache/offline-cache/pkg/rules"
	"github.com/always-cache/offline-cache/rfc9211"
)

var (
	ErrNoStorage = errors.New("no cache provider configured")
	ErrNoFetcher = errors.New("no fetcher configured")
)

// Config configures an Agent.
type Config struct {
	// Version is the name of the current cache.
	Version string
	// Scope is the absolute base URL of the application.
	Scope url.URL
	// Same-origin paths needed to boot offline, relative to Scope.
	ShellFiles []string
	// Cross-origin URLs needed to run.
	ExternalFiles []string
	// Shell path served to navigations when the network is unavailable.
	BootPage string
	// Requests to hosts containing any of these are never intercepted.
	BypassHosts []string
	// Hosts serving immutable content (fonts), answered cache-first.
	ImmutableHosts []string
	// Optional rules, consulted before the host lists.
	Rules rules.Rules
	// Storage for the named caches.
	Cache cache.CacheProvider
	// Network capability.
	Fetcher fetch.Fetcher
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Maximum concurrent fetches during install. Zero means no limit.
	PrecacheConcurrency int
	// Activate right after installing instead of waiting for an explicit Activate.
	SkipWaiting bool
}

// Agent is the offline caching agent of a single application version.
type Agent struct {
	version       string
	keyer         cachekey.CacheKeyer
	shellFiles    []string
	externalFiles []string
	bootPage      string
	rules         rules.Rules
	provider      cache.CacheProvider
	fetcher       fetch.Fetcher
	log           zerolog.Logger
	concurrency   int
	skipWaiting   bool

	mutex *sync.RWMutex
	state State
	store cache.Cache
}

// New creates an agent from the given configuration.
// The agent does not control any requests until it has been activated.
func New(config Config) (*Agent, error) {
	if config.Cache == nil {
		return nil, ErrNoStorage
	}
	if config.Fetcher == nil {
		return nil, ErrNoFetcher
	}
	if config.Version == "" {
		return nil, errors.New("version must not be empty")
	}
	if !config.Scope.IsAbs() || config.Scope.Host == "" {
		return nil, fmt.Errorf("scope %q is not an absolute url", config.Scope.String())
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, err
	}

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	scope := config.Scope

	return &Agent{
		version:       config.Version,
		keyer:         cachekey.NewCacheKeyer(&scope),
		shellFiles:    config.ShellFiles,
		externalFiles: config.ExternalFiles,
		bootPage:      config.BootPage,
		rules:         buildRules(config),
		provider:      config.Cache,
		fetcher:       config.Fetcher,
		log: logger.With().
			Str("version", config.Version).
			Str("scope", scope.String()).
			Logger(),
		concurrency: config.PrecacheConcurrency,
		skipWaiting: config.SkipWaiting,
		mutex:       &sync.RWMutex{},
		state:       StateParsed,
	}, nil
}

// buildRules puts the configured rules first, then the backend and font hosts.
// Requests not matching any rule are answered cache-first with fallback.
func buildRules(config Config) rules.Rules {
	rs := make(rules.Rules, 0, len(config.Rules)+len(config.BypassHosts)+len(config.ImmutableHosts))
	rs = append(rs, config.Rules...)
	for _, host := range config.BypassHosts {
		rs = append(rs, rules.Rule{HostContains: host, Strategy: rules.Bypass})
	}
	for _, host := range config.ImmutableHosts {
		rs = append(rs, rules.Rule{Host: host, Strategy: rules.CacheFirst})
	}
	return rs
}

// Version returns the name of the current cache.
func (a *Agent) Version() string {
	return a.version
}

// State returns the lifecycle state.
func (a *Agent) State() State {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.state
}

// Controlling returns true once the agent has been activated.
func (a *Agent) Controlling() bool {
	return a.State() == StateActivated
}

func (a *Agent) setState(s State) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.log.Debug().Stringer("from", a.state).Stringer("to", s).Msg("Lifecycle state change")
	a.state = s
}

func (a *Agent) currentStore() cache.Cache {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.store
}

// ServeHTTP implements the http.Handler interface.
// Relative request URLs are resolved against the scope, absolute ones
// (forward proxy requests) are used as is.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)
	req := a.absoluteRequest(r)

	if !a.Controlling() {
		a.passThrough(w, req, "not-controlling")
		return
	}
	res, intercepted := a.HandleFetch(req)
	if !intercepted {
		a.passThrough(w, req, "")
		return
	}
	if res == nil {
		cs := rfc9211.CacheStatus{Detail: "offline"}
		cs.Forward(rfc9211.FwdReasonMiss)
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, "Could not get response", http.StatusBadGateway)
		a.logRequest(r, http.StatusBadGateway)
		return
	}
	a.send(w, r, res)
}

// recover recovers from panics and sends the request to the network instead.
func (a *Agent) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		a.passThrough(w, a.absoluteRequest(r), "panic")
	}
}

// passThrough sends the request to the network and the response to the client,
// without looking at the cache.
func (a *Agent) passThrough(w http.ResponseWriter, r *http.Request, detail string) {
	res, err := a.fetcher.Fetch(r)
	if err != nil {
		a.requestLogger(r).Warn().Err(err).Str("url", r.URL.String()).Msg("Could not fetch pass-through request")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	cs := rfc9211.CacheStatus{Detail: detail}
	cs.Forward(rfc9211.FwdReasonBypass)
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Add("Cache-Status", cs.String())
	a.send(w, r, res)
}

func (a *Agent) send(w http.ResponseWriter, r *http.Request, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body != nil && r.Method != http.MethodHead {
		if _, err := io.Copy(w, res.Body); err != nil {
			a.requestLogger(r).Error().Err(err).Msg("Could not write response body to client")
		}
	}
	a.logRequest(r, res.StatusCode)
}

// absoluteRequest returns the request with its URL resolved against the scope.
func (a *Agent) absoluteRequest(r *http.Request) *http.Request {
	if r.URL.IsAbs() {
		return r
	}
	req := r.Clone(r.Context())
	req.URL = a.keyer.Resolve(r.URL)
	req.Host = req.URL.Host
	return req
}

func (a *Agent) logRequest(r *http.Request, status int) {
	a.requestLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Msg("Sending response to client")
}

// requestLogger returns the logger from the request context.
// If no logger is found, it will return the agent logger.
func (a *Agent) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &a.log
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
