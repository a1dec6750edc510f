package core

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCsrfResolver_JSONFieldBeatsCookie(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: "from-cookie", Path: "/"})
		w.Header().Set("X-CSRF-Token", "from-header")
		writeJSON(w, http.StatusOK, `{"csrfToken":"from-json"}`)
	})
	s := env.session(t)
	res := s.Get(context.Background(), "/api/auth/status", nil)

	token := NewCsrfResolver("/login", env.logger).Resolve(context.Background(), res.JSONObject(), s)
	assert.Equal(t, CsrfToken{Value: "from-json", Present: true, Source: SourceJSONField, Name: "csrfToken"}, token)
	assert.Equal(t, 0, env.hits.count("GET /login"))
}

func TestCsrfResolver_FieldOrderWithinJSON(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	prior := map[string]interface{}{"token": "generic", "csrf_token": "specific", "csrfToken": 42}

	token := NewCsrfResolver("/login", env.logger).Resolve(context.Background(), prior, env.session(t))
	assert.Equal(t, "specific", token.Value)
	assert.Equal(t, "csrf_token", token.Name)
}

func TestCsrfResolver_CookieThenHeader(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/with-cookie" {
			http.SetCookie(w, &http.Cookie{Name: "_csrf", Value: "cookie-tok", Path: "/"})
		}
		w.Header().Set("X-XSRF-Token", "header-tok")
		writeJSON(w, http.StatusOK, `{"authenticated":false}`)
	})
	resolver := NewCsrfResolver("/login", env.logger)

	s := env.session(t)
	s.Get(context.Background(), "/with-cookie", nil)
	token := resolver.Resolve(context.Background(), nil, s)
	assert.Equal(t, SourceCookie, token.Source)
	assert.Equal(t, "cookie-tok", token.Value)

	s = env.session(t)
	s.Get(context.Background(), "/plain", nil)
	token = resolver.Resolve(context.Background(), nil, s)
	assert.Equal(t, SourceHeader, token.Source)
	assert.Equal(t, "X-XSRF-Token", token.Name)
	assert.Equal(t, "header-tok", token.Value)
}

func TestCsrfResolver_HTMLStrategiesInOrder(t *testing.T) {
	tests := []struct {
		name   string
		html   string
		source CsrfSource
		value  string
	}{
		{
			name:   "meta",
			html:   `<html><head><meta name="csrf-token" content="meta-tok"></head><body data-csrf="data-tok"><script>window.csrfToken = "script-tok";</script></body></html>`,
			source: SourceHTMLMeta,
			value:  "meta-tok",
		},
		{
			name:   "script",
			html:   `<html><body data-csrf="data-tok"><script>var config = {"csrfToken": 'script-tok'};</script></body></html>`,
			source: SourceHTMLScript,
			value:  "script-tok",
		},
		{
			name:   "data attribute",
			html:   `<html><body><form data-csrf="data-tok"></form></body></html>`,
			source: SourceHTMLDataAttr,
			value:  "data-tok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte(tt.html))
			})
			token := NewCsrfResolver("/login", env.logger).Resolve(context.Background(), nil, env.session(t))
			assert.True(t, token.Present)
			assert.Equal(t, tt.source, token.Source)
			assert.Equal(t, tt.value, token.Value)
			assert.Equal(t, 1, env.hits.count("GET /login"))
		})
	}
}

func TestCsrfResolver_AbsentTokenFetchesPageOnce(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>no token here</body></html>`))
	})
	token := NewCsrfResolver("/login", env.logger).Resolve(context.Background(), map[string]interface{}{}, env.session(t))
	assert.Equal(t, CsrfToken{Source: SourceNone}, token)
	assert.Nil(t, token.Header())
	assert.Equal(t, 1, env.hits.count("GET /login"))
}

func TestCsrfResolver_IgnoresNon200LoginPage(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<meta name="csrf-token" content="should-not-be-used">`))
	})
	token := NewCsrfResolver("/login", env.logger).Resolve(context.Background(), nil, env.session(t))
	assert.False(t, token.Present)
	assert.Equal(t, SourceNone, token.Source)
}

func TestCsrfToken_Header(t *testing.T) {
	token := CsrfToken{Value: "abc", Present: true, Source: SourceCookie}
	h := token.Header()
	assert.Equal(t, "abc", h.Get("X-CSRF-Token"))
	assert.Equal(t, []string{"abc"}, h[http.CanonicalHeaderKey(CsrfTokenHeader)])
	assert.Len(t, h, 1)

	assert.Nil(t, CsrfToken{Source: SourceNone}.Header())
}
