package utils

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeaderValue_JoinsRepeatedHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "no-store")
	h.Add("Cache-Control", "no-cache")

	v, ok := HeaderValue(h, "cache-control")
	assert.True(t, ok)
	assert.Equal(t, "no-store, no-cache", v)

	_, ok = HeaderValue(h, "Vary")
	assert.False(t, ok)
}

func TestParseDirectives(t *testing.T) {
	d := ParseDirectives(`No-Store, max-age=0 , private="Set-Cookie",`)
	assert.Equal(t, map[string]string{"no-store": "", "max-age": "0", "private": "Set-Cookie"}, d)
	assert.True(t, HasDirective("NO-CACHE", "no-cache"))
	assert.False(t, HasDirective("no-cache-ish", "no-cache"))
}

func TestExpiresInFuture(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, ExpiresInFuture("0", now))
	assert.False(t, ExpiresInFuture("-1", now))
	assert.False(t, ExpiresInFuture("garbage", now))
	assert.False(t, ExpiresInFuture("Thu, 01 Jan 1970 00:00:00 GMT", now))
	assert.True(t, ExpiresInFuture("Fri, 01 Jan 2027 00:00:00 GMT", now))
}

func TestIsCacheable(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"no-store", map[string]string{"Cache-Control": "public, no-store"}, false},
		{"public", map[string]string{"Cache-Control": "public"}, true},
		{"max-age", map[string]string{"Cache-Control": "private, max-age=60"}, true},
		{"max-age zero", map[string]string{"Cache-Control": "max-age=0"}, false},
		{"no-cache", map[string]string{"Cache-Control": "no-cache"}, false},
		{"pragma", map[string]string{"Pragma": "no-cache", "ETag": `"x"`}, false},
		{"etag heuristic", map[string]string{"ETag": `"x"`}, true},
		{"nothing", map[string]string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, IsCacheable(h))
		})
	}
}

func TestIsCacheHit(t *testing.T) {
	assert.True(t, IsCacheHit(http.Header{"X-Cache": []string{"Hit from cloudfront"}}))
	assert.True(t, IsCacheHit(http.Header{"Cf-Cache-Status": []string{"hit"}}))
	assert.True(t, IsCacheHit(http.Header{"Age": []string{"12"}}))
	assert.False(t, IsCacheHit(http.Header{"Age": []string{"0"}, "X-Cache": []string{"MISS"}}))
}

func TestGetDomainFromURL(t *testing.T) {
	d, err := GetDomainFromURL("https://Mesh.example.org:8443/api")
	assert.NoError(t, err)
	assert.Equal(t, "Mesh.example.org", d)
}
