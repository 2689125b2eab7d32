// Package rfc9111 handles the header fields of stored and forwarded messages,
// per HTTP Caching (RFC 9111) section 3.1.
package rfc9111

import (
	"net/http"
	"strings"
)

// hop-by-hop fields (RFC 9110 section 7.6.1) that are never stored or forwarded
var hopByHopFields = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

// proxy-specific fields that must not be stored (RFC 9111 section 3.1)
var proxyFields = []string{
	"Proxy-Authenticate",
	"Proxy-Authentication-Info",
	"Proxy-Authorization",
}

// GetListHeader returns the comma-separated members of all field lines for field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// StorableHeader returns a copy of the response header without the fields
// a cache must not store.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return http.Header{}
	}
	h := header.Clone()
	removeConnectionFields(h)
	for _, name := range proxyFields {
		h.Del(name)
	}
	return h
}

// GetForwardRequest returns a clone of req suitable for sending upstream with an
// http.Client: hop-by-hop fields removed and RequestURI cleared.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	r.RequestURI = ""
	removeConnectionFields(r.Header)
	return r
}

// removeConnectionFields deletes the Connection field, the fields it names and
// the other hop-by-hop fields.
func removeConnectionFields(h http.Header) {
	for _, name := range GetListHeader(h, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHopFields {
		h.Del(name)
	}
}
