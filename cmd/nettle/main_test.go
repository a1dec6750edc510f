package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meshServer accepts the default admin/changeme pair and serves its auth endpoints without cache headers.
func meshServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"authenticated":false,"csrfToken":"tok-1"}`))
	})
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || body["username"] != "admin" || body["password"] != "changeme" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/", HttpOnly: true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":{"username":"admin","role":"admin"}}`))
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"username":"admin"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readReport(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(content, &decoded))
	return decoded
}

func TestExecute_ProbeWritesJSONReport(t *testing.T) {
	srv := meshServer(t)
	path := filepath.Join(t.TempDir(), "report.json")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"probe", srv.URL,
		"--endpoint", "GET /api/auth/status",
		"--format", "json", "--output", path,
		"--silent", "--no-color",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	report := readReport(t, path)
	assert.Equal(t, srv.URL, report["target"])
	assert.Equal(t, "true", report["login_succeeded"])
	assert.Equal(t, "true", report["admin_access_confirmed"])
	assert.Equal(t, "CRITICAL", report["overall_risk"])
	assert.NotEmpty(t, report["run_id"])

	findings := report["cache_findings"].([]interface{})
	require.Len(t, findings, 1)
	assert.Equal(t, "/api/auth/status", findings[0].(map[string]interface{})["endpoint"])
	assert.Empty(t, stdout.String())
}

func TestExecute_TextReportToStdout(t *testing.T) {
	srv := meshServer(t)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"probe", "--target", srv.URL, "--password", "wrong",
		"--endpoint", "/api/auth/status", "--silent",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "Login Flow")
	assert.Contains(t, out, "login rejected (HTTP 401)")
	assert.Contains(t, out, "Cache Analysis: GET /api/auth/status")
	assert.NotContains(t, out, "\x1b[")
}

func TestExecute_EnvironmentBinding(t *testing.T) {
	srv := meshServer(t)
	path := filepath.Join(t.TempDir(), "report.json")
	t.Setenv("NETTLE_USERNAME", "operator")
	t.Setenv("NETTLE_ENDPOINT", "GET /api/auth/status")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"probe", srv.URL, "--format", "json", "-o", path, "--silent",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	report := readReport(t, path)
	assert.Equal(t, "operator", report["username"])
	assert.Equal(t, "false", report["login_succeeded"])
	assert.Len(t, report["cache_findings"], 1)
}

func TestExecute_ConfigFile(t *testing.T) {
	srv := meshServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "report.yaml")
	cfgPath := filepath.Join(dir, "nettle.yaml")
	cfgContent := strings.Join([]string{
		"target: " + srv.URL,
		"format: yaml",
		"output: " + path,
		"silent: true",
		"endpoint:",
		"  - GET /api/auth/status",
		"  - HEAD /api/auth/status",
	}, "\n")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgContent), 0o600))

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"probe", "--config", cfgPath}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "overall_risk: CRITICAL")
	assert.Contains(t, string(content), "method: HEAD")
}

func TestExecute_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing target", []string{"probe", "--silent"}},
		{"bad format", []string{"probe", "http://127.0.0.1:1", "--format", "csv", "--silent"}},
		{"bad endpoint", []string{"probe", "http://127.0.0.1:1", "--endpoint", "GET no-slash", "--silent"}},
		{"unknown flag", []string{"probe", "--bogus"}},
		{"too many args", []string{"probe", "http://a.local", "http://b.local"}},
		{"missing config file", []string{"probe", "http://a.local", "--config", "/nonexistent/nettle.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, exitConfig, execute(context.Background(), tt.args, &stdout, &stderr))
			assert.Contains(t, stderr.String(), "Error:")
		})
	}
}

func TestExecute_UnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()
	path := filepath.Join(t.TempDir(), "report.json")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"probe", target, "--endpoint", "/api/auth/status",
		"--format", "json", "-o", path, "--silent", "--timeout", "2s",
	}, &stdout, &stderr)
	assert.Equal(t, exitUnreachable, code)
	assert.Contains(t, stderr.String(), "could not be reached")

	report := readReport(t, path)
	assert.Equal(t, "false", report["status_reachable"])
	assert.Equal(t, "UNKNOWN", report["overall_risk"])
	notes := report["notes"].([]interface{})
	assert.Contains(t, notes[len(notes)-1], "failed at the network level")
}

func TestStringList(t *testing.T) {
	v := viper.New()
	v.Set("a", []string{" GET /x ", ""})
	v.Set("b", []interface{}{"POST /y", 3})
	v.Set("c", "GET /a, /b,,")
	assert.Equal(t, []string{"GET /x"}, stringList(v, "a"))
	assert.Equal(t, []string{"POST /y", "3"}, stringList(v, "b"))
	assert.Equal(t, []string{"GET /a", "/b"}, stringList(v, "c"))
	assert.Empty(t, stringList(v, "missing"))
}
