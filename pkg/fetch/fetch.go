// Package fetch provides the network capability used by the agent: given a
// request, return a response or fail.
package fetch

import (
	"crypto/tls"
	"fmt"
	"net/http"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/rfc9111"
)

// Fetcher performs a network request. A nil error means a response was
// received, whatever its status code.
type Fetcher interface {
	Fetch(*http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(*http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// HTTPFetcher fetches over the network with an http.Client.
// Request URLs must be absolute.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher using a client with no timeout, following
// redirects like a browser does. If serverName is set it is used for TLS
// negotiation, e.g. when the origin is addressed by IP.
func NewHTTPFetcher(serverName string) HTTPFetcher {
	client := &http.Client{}
	if serverName != "" {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{ServerName: serverName}
		client.Transport = transport
	}
	return HTTPFetcher{Client: client}
}

func (f HTTPFetcher) Fetch(r *http.Request) (*http.Response, error) {
	if !r.URL.IsAbs() {
		return nil, fmt.Errorf("fetch %s: url is not absolute", r.URL)
	}
	req := rfc9111.GetForwardRequest(r)
	req.Host = req.URL.Host
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

// HandlerFetcher serves requests with an in-process handler, e.g. when the
// agent is used as middleware in front of the application itself.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver()
	f.Handler.ServeHTTP(rs, r)
	res, err := rs.Result(r)
	if err != nil {
		return nil, fmt.Errorf("read handler response: %w", err)
	}
	return res, nil
}
