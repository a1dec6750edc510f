package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/networking"
	"github.com/rafabd1/Nettle/internal/utils"
)

// hitCounter counts requests per "METHOD path".
type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) record(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hits == nil {
		h.hits = make(map[string]int)
	}
	h.hits[r.Method+" "+r.URL.Path]++
}

func (h *hitCounter) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[key]
}

type testEnv struct {
	cfg    *config.Config
	client *networking.Client
	logger utils.Logger
	hits   *hitCounter
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	hits := &hitCounter{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.record(r)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.GetDefaultConfig()
	cfg.Target.BaseURL = srv.URL
	cfg.RequestTimeout = 2 * time.Second
	logger := utils.NewZapLogger(zaptest.NewLogger(t))
	client, err := networking.NewClient(cfg, networking.NewDomainManager(cfg, logger), logger)
	require.NoError(t, err)
	return &testEnv{cfg: cfg, client: client, logger: logger, hits: hits}
}

func (e *testEnv) session(t *testing.T) *networking.Session {
	t.Helper()
	s, err := e.client.NewSession()
	require.NoError(t, err)
	return s
}

// failingSession returns a network error for the listed paths and delegates the rest.
type failingSession struct {
	HTTPSession
	fail map[string]networking.ErrorKind
}

func (s *failingSession) Get(ctx context.Context, path string, headers http.Header) *networking.ProbeResult {
	if kind, ok := s.fail[path]; ok {
		return &networking.ProbeResult{
			Method: http.MethodGet,
			URL:    path,
			Err:    &networking.NetworkError{Kind: kind, Method: http.MethodGet, URL: path, Err: errConnRefused},
		}
	}
	return s.HTTPSession.Get(ctx, path, headers)
}

type staticError string

func (e staticError) Error() string { return string(e) }

const errConnRefused = staticError("connect: connection refused")

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
