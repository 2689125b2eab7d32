package rules

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindFirstMatch(t *testing.T) {
	rs := Rules{
		{HostContains: "supabase", Strategy: Bypass},
		{Host: "fonts.gstatic.com", Strategy: CacheFirst},
		{Prefix: "/api/", Strategy: Bypass},
		{Strategy: CacheFirstFallback},
	}
	tests := []struct {
		url  string
		want Strategy
	}{
		{"https://xyz.supabase.co/rest/v1/items", Bypass},
		{"https://fonts.gstatic.com/s/inter.woff2", CacheFirst},
		{"https://FONTS.gstatic.com/s/inter.woff2", CacheFirst},
		{"http://app.localhost/api/items", Bypass},
		{"http://app.localhost/playground.html", CacheFirstFallback},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest("GET", tt.url, nil)
		rule, ok := rs.Find(req)
		assert.True(t, ok, tt.url)
		assert.Equal(t, tt.want, rule.Strategy, tt.url)
	}
}

func TestMethodRule(t *testing.T) {
	rs := Rules{{Method: "POST", Strategy: Bypass}}
	get, _ := http.NewRequest("GET", "http://app.localhost/", nil)
	post, _ := http.NewRequest("POST", "http://app.localhost/", nil)

	_, ok := rs.Find(get)
	assert.False(t, ok)
	_, ok = rs.Find(post)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Rules{{Strategy: CacheFirst}}.Validate())
	assert.Error(t, Rules{{Strategy: "network-first"}}.Validate())
}
