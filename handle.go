package offlinecache

import (
	"errors"
	"net/http"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/pkg/rules"
	"github.com/always-cache/offline-cache/rfc9211"
)

// IsNavigation reports whether the request is a top-level page load.
func IsNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate"
}

// Strategy returns how the request would be handled.
func (a *Agent) Strategy(r *http.Request) rules.Strategy {
	if rule, ok := a.rules.Find(a.absoluteRequest(r)); ok {
		return rule.Strategy
	}
	return rules.CacheFirstFallback
}

// HandleFetch decides how to answer a single request.
//
// It returns false if the request is not intercepted, in which case the caller
// must send it to the network itself. Otherwise the response is returned, or
// nil if there is neither a stored nor a network response.
// Returned responses carry a Cache-Status header.
func (a *Agent) HandleFetch(r *http.Request) (*http.Response, bool) {
	req := a.absoluteRequest(r)
	switch a.Strategy(req) {
	case rules.Bypass:
		return nil, false
	case rules.CacheFirst:
		return a.cacheFirst(req), true
	default:
		return a.cacheFirstWithFallback(req), true
	}
}

// cacheFirst serves the stored response, or fetches and stores whatever the
// network returns.
func (a *Agent) cacheFirst(r *http.Request) *http.Response {
	if res, ok := a.match(r); ok {
		return res
	}
	var cs rfc9211.CacheStatus
	cs.Forward(rfc9211.FwdReasonUriMiss)

	res, err := a.network(r)
	if err != nil {
		a.requestLogger(r).Debug().Err(err).Str("url", r.URL.String()).Msg("Network unavailable")
		return nil
	}
	cs.FwdStatus = res.StatusCode
	cs.Stored = a.storeResponse(r, res)
	res.Header.Add("Cache-Status", cs.String())
	return res
}

// cacheFirstWithFallback serves the stored response, or fetches it and stores
// it if successful. Navigations fall back to the boot page when the network fails.
func (a *Agent) cacheFirstWithFallback(r *http.Request) *http.Response {
	if res, ok := a.match(r); ok {
		return res
	}
	var cs rfc9211.CacheStatus
	cs.Forward(rfc9211.FwdReasonUriMiss)

	res, err := a.network(r)
	if err != nil {
		logger := a.requestLogger(r)
		logger.Debug().Err(err).Str("url", r.URL.String()).Msg("Network unavailable")
		if !IsNavigation(r) {
			return nil
		}
		boot, ok := a.matchBootPage(r)
		if !ok {
			logger.Warn().Str("url", r.URL.String()).Msg("Offline navigation and no boot page stored")
			return nil
		}
		cs.Detail = "offline"
		boot.Header.Set("Cache-Status", cs.String())
		return boot
	}
	cs.FwdStatus = res.StatusCode
	if isSuccess(res.StatusCode) {
		cs.Stored = a.storeResponse(r, res)
	}
	res.Header.Add("Cache-Status", cs.String())
	return res
}

// match returns the stored response for the request from the current cache.
// Read errors count as a miss and corrupt entries are purged.
func (a *Agent) match(r *http.Request) (*http.Response, bool) {
	store := a.currentStore()
	if store == nil {
		return nil, false
	}
	key := a.keyer.GetKey(r)
	logger := a.requestLogger(r)
	entry, ok, err := store.Get(key)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes, r)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Corrupt cache entry, purging")
		if err := store.Purge(key); err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Could not purge cache entry")
		}
		return nil, false
	}
	logger.Trace().Str("key", key).Msg("Cache hit")
	var cs rfc9211.CacheStatus
	cs.Hit()
	sRes.Response.Header.Add("Cache-Status", cs.String())
	return sRes.Response, true
}

func (a *Agent) matchBootPage(r *http.Request) (*http.Response, bool) {
	u, err := a.keyer.ResolveString(a.bootPage)
	if err != nil || a.bootPage == "" {
		return nil, false
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false
	}
	return a.match(req)
}

// network fetches the request and buffers the response body, so a broken
// transfer counts as a network failure.
func (a *Agent) network(r *http.Request) (*http.Response, error) {
	res, err := a.fetcher.Fetch(r)
	if err != nil {
		return nil, err
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if _, err := serializer.ReadBody(res); err != nil {
		return nil, err
	}
	if res.Body == nil {
		res.Body = http.NoBody
	}
	return res, nil
}

// storeResponse writes the response to the current cache.
// Failures are logged and otherwise ignored.
func (a *Agent) storeResponse(r *http.Request, res *http.Response) bool {
	store := a.currentStore()
	if store == nil {
		return false
	}
	if err := a.put(store, r, res); err != nil {
		logger := a.requestLogger(r)
		if errors.Is(err, cachekey.ErrMethodNotSupported) {
			logger.Trace().Str("method", r.Method).Msg("Not storing response")
		} else {
			logger.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not write to cache")
		}
		return false
	}
	return true
}
