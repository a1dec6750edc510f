package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/core"
)

func sampleSummary() core.RunSummary {
	return core.RunSummary{
		RunID:    "3f1c",
		Target:   "https://mesh.local",
		Username: "admin",
		Steps: []core.StepOutcome{
			{Name: core.StepFetchStatus, Status: core.StatusSuccess, Success: true, Detail: "HTTP 200 with JSON body", HTTPStatus: 200},
			{Name: core.StepResolveCSRF, Status: core.StatusSuccess, Success: true, Detail: "token found"},
			{Name: core.StepAttemptLogin, Status: core.StatusFailed, Detail: "login rejected (HTTP 401)", HTTPStatus: 401},
			{Name: core.StepVerifyAccess, Status: core.StatusSkipped, Detail: "login did not succeed"},
		},
		CSRF:                 core.CsrfToken{Value: "tok", Present: true, Source: core.SourceJSONField, Name: "csrfToken"},
		LoginSucceeded:       core.False,
		AdminAccessConfirmed: core.False,
		AdminAccess:          core.AccessSkipped,
		CacheFindings: []core.CacheFinding{
			{
				Endpoint:   "/api/auth/status",
				Method:     "GET",
				StatusCode: 200,
				Headers:    []core.HeaderObservation{{Name: "Cache-Control", Value: "no-cache", Present: true}, {Name: "Vary"}},
				CacheControl: &core.CacheControlClass{
					Code: core.CodeInsufficientCacheControl, Severity: core.RiskMedium, Description: "Cache-Control present but insufficient",
				},
				Vulnerabilities: []core.Vulnerability{
					{Code: core.CodeInsufficientCacheControl, Severity: core.RiskMedium, Description: "Cache-Control present but insufficient"},
					{Code: core.CodeConditional304, Severity: core.RiskHigh, Description: "conditional caching confirmed exploitable"},
					{Code: core.CodeMissingVary, Severity: core.RiskMedium, Description: "missing Vary header"},
				},
				Risk: core.RiskHigh,
			},
			{
				Endpoint:  "/api/auth/oidc/login",
				Method:    "GET",
				Error:     "GET /api/auth/oidc/login failed (timeout)",
				ErrorKind: "timeout",
				Risk:      core.RiskUnknown,
			},
		},
	}
}

func TestFinalize_OverallRiskAndRemediations(t *testing.T) {
	s := Finalize(sampleSummary())
	assert.Equal(t, core.RiskHigh, s.OverallRisk)
	assert.Equal(t, []string{
		"Set Cache-Control: no-store, no-cache, must-revalidate, private on authentication endpoints",
		"Remove the ETag header from authentication endpoints",
		"Add Vary: Cookie so caches key responses per user",
		`Send Clear-Site-Data: "cache", "cookies" on logout`,
	}, s.Remediations)
}

func TestFinalize_CredentialRisk(t *testing.T) {
	s := core.RunSummary{Username: "admin", LoginSucceeded: core.True, AdminAccessConfirmed: core.True}
	out := Finalize(s)
	assert.Equal(t, core.RiskCritical, out.OverallRisk)
	assert.Contains(t, out.Remediations, `Rotate or disable the default credentials of user "admin"`)

	s.AdminAccessConfirmed = core.False
	assert.Equal(t, core.RiskHigh, Finalize(s).OverallRisk)

	empty := Finalize(core.RunSummary{})
	assert.Equal(t, core.RiskUnknown, empty.OverallRisk)
	assert.NotNil(t, empty.Remediations)
	assert.Empty(t, empty.Remediations)
}

func TestFinalize_DoesNotMutateInput(t *testing.T) {
	in := sampleSummary()
	_ = Finalize(in)
	assert.Equal(t, core.RiskUnknown, in.OverallRisk)
	assert.Nil(t, in.Remediations)
}

func TestRender_TextKeepsFindingOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReporter(config.FormatText, true).Render(&buf, Finalize(sampleSummary())))
	out := buf.String()

	for _, want := range []string{
		"Summary", "Login Flow", "Cache Analysis: GET /api/auth/status", "Remediation",
		"Overall risk:         HIGH",
		"CSRF token: tok (source: json-field, name: csrfToken)",
		"Request failed (timeout)",
		"(absent)",
	} {
		assert.Contains(t, out, want)
	}
	first := strings.Index(out, "Cache-Control present but insufficient\n")
	second := strings.Index(out, "conditional caching confirmed exploitable")
	third := strings.Index(out, "missing Vary header")
	require.True(t, first >= 0 && second >= 0 && third >= 0)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
	assert.NotContains(t, out, "\x1b[")
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReporter(config.FormatJSON, true).Render(&buf, Finalize(sampleSummary())))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "HIGH", decoded["overall_risk"])
	assert.Equal(t, "false", decoded["login_succeeded"])
	assert.Equal(t, "unknown", decoded["local_auth_disabled"])
	csrf := decoded["csrf_token"].(map[string]interface{})
	assert.Equal(t, "json-field", csrf["source"])
	findings := decoded["cache_findings"].([]interface{})
	require.Len(t, findings, 2)
	assert.Equal(t, "UNKNOWN", findings[1].(map[string]interface{})["risk"])
}

func TestRender_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReporter(config.FormatYAML, true).Render(&buf, Finalize(sampleSummary())))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "HIGH", decoded["overall_risk"])
	assert.Equal(t, "skipped", decoded["admin_access"])
}

func TestRender_UnknownFormat(t *testing.T) {
	assert.Error(t, NewReporter("csv", true).Render(&bytes.Buffer{}, core.RunSummary{}))
}

func TestGenerateReport_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.json")
	require.NoError(t, NewReporter(config.FormatJSON, true).GenerateReport(Finalize(sampleSummary()), path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"run_id": "3f1c"`)
}

func TestRender_TextMarksThrottledSteps(t *testing.T) {
	s := core.RunSummary{Steps: []core.StepOutcome{
		{Name: core.StepFetchStatus, Status: core.StatusSuccess, Success: true, Detail: "HTTP 200 with JSON body", Throttled: true},
		{Name: core.StepResolveCSRF, Status: core.StatusSuccess, Success: true, Detail: "token found"},
	}}
	var buf bytes.Buffer
	require.NoError(t, NewReporter(config.FormatText, true).Render(&buf, Finalize(s)))
	assert.Contains(t, buf.String(), "HTTP 200 with JSON body (delayed by 429 standby)")
	assert.NotContains(t, buf.String(), "token found (delayed")
}
