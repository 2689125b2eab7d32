package rfc9111

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetListHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Vary", "Accept, Accept-Encoding")
	h.Add("Vary", "Origin")
	list := GetListHeader(h, "Vary")
	if len(list) != 3 || list[0] != "Accept" || list[2] != "Origin" {
		t.Fatalf("List is %v", list)
	}
}

func TestStorableHeaderDropsConnectionFields(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Private")
	h.Set("X-Private", "secret")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authenticate", "Basic")
	h.Set("Content-Type", "text/html")

	stored := StorableHeader(h)
	for _, name := range []string{"Connection", "X-Private", "Keep-Alive", "Proxy-Authenticate"} {
		if stored.Get(name) != "" {
			t.Fatalf("%s was stored: %v", name, stored)
		}
	}
	if stored.Get("Content-Type") != "text/html" {
		t.Fatalf("Content-Type missing: %v", stored)
	}
	if h.Get("X-Private") != "secret" {
		t.Fatal("Original header was mutated")
	}
}

func TestForwardRequestClearsRequestURI(t *testing.T) {
	r := httptest.NewRequest("GET", "http://app.localhost/", nil)
	r.Header.Set("Upgrade", "websocket")
	fwd := GetForwardRequest(r)
	if fwd.RequestURI != "" {
		t.Fatalf("RequestURI is %s", fwd.RequestURI)
	}
	if fwd.Header.Get("Upgrade") != "" {
		t.Fatal("Upgrade header was forwarded")
	}
	if r.RequestURI == "" {
		t.Fatal("Original request was mutated")
	}
}
