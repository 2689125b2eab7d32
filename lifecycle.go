package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// State is the lifecycle state of the agent.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant means install failed and the agent will never take control.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PrecacheResult is the outcome of pre-caching a single resource.
type PrecacheResult struct {
	URL string
	// Err is nil if the resource was stored.
	Err error
}

// InstallReport lists the pre-cache outcome of every shell and external resource,
// in configuration order.
type InstallReport struct {
	Results []PrecacheResult
}

// Stored returns the URLs that were stored.
func (r InstallReport) Stored() []string {
	urls := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Err == nil {
			urls = append(urls, res.URL)
		}
	}
	return urls
}

// Failed returns the resources that could not be stored.
func (r InstallReport) Failed() []PrecacheResult {
	failed := make([]PrecacheResult, 0)
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Start installs the agent and, with SkipWaiting, activates it right away.
func (a *Agent) Start(ctx context.Context) (InstallReport, error) {
	report, err := a.Install(ctx)
	if err != nil {
		return report, err
	}
	if a.skipWaiting {
		if _, err := a.Activate(ctx); err != nil {
			return report, err
		}
	} else {
		a.log.Info().Msg("Installed, waiting for activation")
	}
	return report, nil
}

// Install opens the current cache and populates it with every shell and external
// resource. Resources are fetched and stored independently and failures are
// only reported, so install succeeds even when offline.
// It only fails if the cache cannot be opened.
// Installing an activated agent refreshes the current cache and keeps it in control.
func (a *Agent) Install(ctx context.Context) (InstallReport, error) {
	active := a.Controlling()
	if !active {
		a.setState(StateInstalling)
	}

	store, err := a.provider.Open(a.version)
	if err != nil {
		if !active {
			a.setState(StateRedundant)
		}
		return InstallReport{}, fmt.Errorf("open cache %s: %w", a.version, err)
	}
	a.mutex.Lock()
	a.store = store
	a.mutex.Unlock()

	urls := make([]string, 0, len(a.shellFiles)+len(a.externalFiles))
	for _, path := range a.shellFiles {
		u, err := a.keyer.ResolveString(path)
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("Could not resolve shell file")
			continue
		}
		urls = append(urls, u.String())
	}
	urls = append(urls, a.externalFiles...)

	report := InstallReport{Results: make([]PrecacheResult, len(urls))}
	g, gctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, u := range urls {
		g.Go(func() error {
			report.Results[i] = PrecacheResult{URL: u, Err: a.precache(gctx, store, u)}
			// never cancel the others, every resource is best effort
			return nil
		})
	}
	g.Wait()

	for _, failed := range report.Failed() {
		a.log.Warn().Err(failed.Err).Str("url", failed.URL).Msg("Could not pre-cache resource")
	}
	a.log.Info().
		Int("stored", len(report.Stored())).
		Int("failed", len(report.Failed())).
		Msg("Installed")
	if !active {
		a.setState(StateInstalled)
	}
	return report, nil
}

// precache fetches a single resource and stores it if the response is successful.
func (a *Agent) precache(ctx context.Context, store cache.Cache, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := a.network(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !isSuccess(res.StatusCode) {
		return fmt.Errorf("bad response status %d", res.StatusCode)
	}
	return a.put(store, req, res)
}

// Activate deletes every cache but the current one and takes control of
// requests. Failures to enumerate or delete caches are logged and ignored.
// It returns the names of the deleted caches.
func (a *Agent) Activate(ctx context.Context) ([]string, error) {
	active := a.Controlling()
	if !active {
		a.setState(StateActivating)
	}

	// the agent may have been installed by an earlier process
	if a.currentStore() == nil {
		store, err := a.provider.Open(a.version)
		if err != nil {
			if !active {
				a.setState(StateRedundant)
			}
			return nil, fmt.Errorf("open cache %s: %w", a.version, err)
		}
		a.mutex.Lock()
		a.store = store
		a.mutex.Unlock()
	}

	deleted := make([]string, 0)
	names, err := a.provider.Names()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list caches")
	}
	for _, name := range names {
		if name == a.version {
			continue
		}
		if ctx.Err() != nil {
			a.log.Warn().Err(ctx.Err()).Msg("Activation interrupted, not deleting remaining caches")
			break
		}
		ok, err := a.provider.Delete(name)
		if err != nil {
			a.log.Warn().Err(err).Str("cache", name).Msg("Could not delete old cache")
			continue
		}
		if ok {
			a.log.Debug().Str("cache", name).Msg("Deleted old cache")
			deleted = append(deleted, name)
		}
	}

	if !active {
		a.setState(StateActivated)
	}
	a.log.Info().Strs("deleted", deleted).Msg("Activated, controlling requests")
	return deleted, nil
}

// put stores the response in the given cache.
// The response body is buffered and can still be read afterwards.
func (a *Agent) put(store cache.Cache, req *http.Request, res *http.Response) error {
	key, err := a.keyer.StorableKey(req)
	if err != nil {
		return err
	}
	now := time.Now()
	bts, err := serializer.StoredResponseToBytes(serializer.TimedResponse{Response: res, StoredAt: now})
	if err != nil {
		return err
	}
	a.log.Trace().Str("key", key).Msg("Writing to cache")
	return store.Put(cache.CacheEntry{Key: key, StoredAt: now, Bytes: bts})
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
