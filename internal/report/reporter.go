package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/core"
	"github.com/rafabd1/Nettle/internal/utils"
)

const bannerWidth = 70

// remediation is a fix recommended when any of its codes was observed.
type remediation struct {
	codes []string
	text  string
}

var cacheRemediations = []remediation{
	{[]string{core.CodeMissingCacheControl, core.CodePublicCacheControl, core.CodePrivateCacheControl, core.CodeInsufficientCacheControl},
		"Set Cache-Control: no-store, no-cache, must-revalidate, private on authentication endpoints"},
	{[]string{core.CodePragma}, "Add Pragma: no-cache for HTTP/1.0 caches"},
	{[]string{core.CodeMissingCacheControl, core.CodeExpiresFuture}, "Set Expires: 0"},
	{[]string{core.CodeETagPresent, core.CodeConditional304}, "Remove the ETag header from authentication endpoints"},
	{[]string{core.CodeMissingVary, core.CodeCrossSessionShared}, "Add Vary: Cookie so caches key responses per user"},
	{[]string{core.CodeSensitiveField, core.CodeCrossSessionShared}, "Ensure authentication state in response bodies is never stored by intermediaries"},
	{[]string{core.CodeMissingHSTS}, "Enable Strict-Transport-Security"},
	{[]string{core.CodeCookieSecure, core.CodeCookieHTTPOnly, core.CodeCookieSameSite}, "Set Secure, HttpOnly and SameSite on session cookies"},
	{[]string{core.CodeMissingCacheControl, core.CodePublicCacheControl, core.CodePrivateCacheControl, core.CodeInsufficientCacheControl, core.CodeSensitiveField},
		`Send Clear-Site-Data: "cache", "cookies" on logout`},
}

// Finalize computes the overall risk and the remediation list from the findings.
// It does not change anything else and has no side effects.
func Finalize(s core.RunSummary) core.RunSummary {
	levels := make([]core.RiskLevel, 0, len(s.CacheFindings)+1)
	seen := make(map[string]bool)
	for _, f := range s.CacheFindings {
		levels = append(levels, f.Risk)
		for _, v := range f.Vulnerabilities {
			seen[v.Code] = true
		}
	}
	switch {
	case s.LoginSucceeded.IsTrue() && s.AdminAccessConfirmed.IsTrue():
		levels = append(levels, core.RiskCritical)
	case s.LoginSucceeded.IsTrue():
		levels = append(levels, core.RiskHigh)
	}
	s.OverallRisk = core.MaxRisk(levels...)

	var fixes []string
	for _, r := range cacheRemediations {
		for _, code := range r.codes {
			if seen[code] {
				fixes = append(fixes, r.text)
				break
			}
		}
	}
	if s.LoginSucceeded.IsTrue() {
		fixes = append(fixes, fmt.Sprintf("Rotate or disable the default credentials of user %q", s.Username))
	}
	if s.AdminAccessConfirmed.IsTrue() {
		fixes = append(fixes, "Audit admin resources for access made with the default credentials")
	}
	if fixes == nil {
		fixes = []string{}
	}
	s.Remediations = fixes
	return s
}

// palette holds the colors of the text report. Every color is disabled together.
type palette struct {
	title, ok, bad, warn, dim *color.Color
	severity                  map[core.RiskLevel]*color.Color
}

func newPalette(noColor bool) *palette {
	p := &palette{
		title: color.New(color.FgCyan, color.Bold),
		ok:    color.New(color.FgGreen),
		bad:   color.New(color.FgRed),
		warn:  color.New(color.FgYellow),
		dim:   color.New(color.Faint),
		severity: map[core.RiskLevel]*color.Color{
			core.RiskCritical: color.New(color.FgRed, color.Bold),
			core.RiskHigh:     color.New(color.FgRed),
			core.RiskMedium:   color.New(color.FgYellow),
			core.RiskLow:      color.New(color.FgCyan),
			core.RiskUnknown:  color.New(color.FgWhite),
		},
	}
	all := []*color.Color{p.title, p.ok, p.bad, p.warn, p.dim}
	for _, c := range p.severity {
		all = append(all, c)
	}
	for _, c := range all {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return p
}

func (p *palette) risk(r core.RiskLevel) string {
	return p.severity[r].Sprint(r.String())
}

func (p *palette) tristate(t core.Tristate) string {
	switch t {
	case core.True:
		return p.bad.Sprint("yes")
	case core.False:
		return p.ok.Sprint("no")
	default:
		return p.warn.Sprint("unknown")
	}
}

func (p *palette) stepMark(st core.StepOutcome) string {
	switch st.Status {
	case core.StatusSuccess:
		return p.ok.Sprint("✓")
	case core.StatusFailed, core.StatusError:
		return p.bad.Sprint("✗")
	case core.StatusSkipped, core.StatusNotApplicable:
		return p.dim.Sprint("○")
	default:
		return p.warn.Sprint("•")
	}
}

// Reporter renders run summaries.
type Reporter struct {
	format  string
	palette *palette
}

// NewReporter creates a Reporter for one of the config.Format* values.
func NewReporter(format string, noColor bool) *Reporter {
	if format == "" {
		format = config.FormatText
	}
	return &Reporter{format: format, palette: newPalette(noColor)}
}

// Render writes the summary to w in the reporter's format.
func (r *Reporter) Render(w io.Writer, s core.RunSummary) error {
	switch r.format {
	case config.FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(s)
	case config.FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(s); err != nil {
			return err
		}
		return encoder.Close()
	case config.FormatText:
		return r.renderText(w, s)
	default:
		return fmt.Errorf("unsupported report format %q", r.format)
	}
}

// GenerateReport renders the summary to outputPath, or to stdout when it is empty.
func (r *Reporter) GenerateReport(s core.RunSummary, outputPath string) error {
	outputWriter := os.Stdout
	if outputPath != "" {
		if err := utils.EnsureFilepathExists(outputPath); err != nil {
			return err
		}
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		outputWriter = f
	}
	return r.Render(outputWriter, s)
}

// textWriter keeps the first write error so rendering code stays linear.
type textWriter struct {
	w   io.Writer
	err error
}

func (t *textWriter) printf(format string, args ...interface{}) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, format, args...)
}

// section is the one banner used for every part of the text report.
func (r *Reporter) section(t *textWriter, title string) {
	line := strings.Repeat("=", bannerWidth)
	t.printf("\n%s\n  %s\n%s\n", line, r.palette.title.Sprint(title), line)
}

func (r *Reporter) renderText(w io.Writer, s core.RunSummary) error {
	p := r.palette
	t := &textWriter{w: w}

	r.section(t, "Summary")
	t.printf("Run:                  %s\n", s.RunID)
	t.printf("Target:               %s\n", s.Target)
	if s.Interrupted {
		t.printf("Status:               %s\n", p.warn.Sprint("INTERRUPTED (partial results)"))
	}
	t.printf("Overall risk:         %s\n", p.risk(s.OverallRisk))
	t.printf("Default login:        %s\n", p.tristate(s.LoginSucceeded))
	t.printf("Admin access:         %s (%s)\n", p.tristate(s.AdminAccessConfirmed), s.AdminAccess)
	if s.CredentialChecksApplicable == core.False {
		t.printf("Credential checks:    %s\n", p.dim.Sprint("not applicable (local authentication disabled)"))
	}
	t.printf("Default password flag: %s %s\n", s.DefaultPasswordSignal, p.dim.Sprint("(informational)"))
	for _, f := range s.CacheFindings {
		t.printf("  %-8s %s %s\n", p.risk(f.Risk), f.Method, f.Endpoint)
	}

	r.section(t, "Login Flow")
	for _, st := range s.Steps {
		detail := st.Detail
		if st.Throttled {
			detail += p.warn.Sprint(" (delayed by 429 standby)")
		}
		t.printf("%s %-22s %-14s %s\n", p.stepMark(st), st.Name, st.Status, detail)
	}
	if s.CSRF.Present {
		t.printf("\nCSRF token: %s (source: %s, name: %s)\n", s.CSRF.Value, s.CSRF.Source, s.CSRF.Name)
	} else {
		t.printf("\nCSRF token: none (source: %s)\n", s.CSRF.Source)
	}
	for _, c := range s.SessionCookies {
		t.printf("Session cookie: %s (secure=%t, httponly=%t, samesite=%s)\n", c.Name, c.Secure, c.HTTPOnly, orDash(c.SameSite))
	}
	for _, n := range s.Notes {
		t.printf("Note: %s\n", n)
	}

	for _, f := range s.CacheFindings {
		r.section(t, fmt.Sprintf("Cache Analysis: %s %s", f.Method, f.Endpoint))
		if f.Error != "" {
			t.printf("Request failed (%s): %s\n", f.ErrorKind, f.Error)
			t.printf("Risk: %s\n", p.risk(f.Risk))
			continue
		}
		t.printf("Status: %d\n", f.StatusCode)
		for _, h := range f.Headers {
			value := p.dim.Sprint("(absent)")
			if h.Present {
				value = h.Value
			}
			t.printf("  %-26s %s\n", h.Name+":", value)
		}
		if f.CacheControl != nil {
			t.printf("Cache-Control verdict: %s (%s)\n", f.CacheControl.Description, p.risk(f.CacheControl.Severity))
		}
		if f.Conditional != nil {
			t.printf("Conditional request: HTTP %d, exploitable=%t\n", f.Conditional.StatusCode, f.Conditional.Exploitable)
		}
		if f.CrossSession != nil {
			t.printf("Cross-session request: HTTP %d, cache hit=%t\n", f.CrossSession.StatusCode, f.CrossSession.CacheHit)
		}
		if f.ParseError != "" {
			t.printf("Body: %s\n", f.ParseError)
		}
		if len(f.Vulnerabilities) == 0 {
			t.printf("Vulnerabilities: none\n")
		} else {
			t.printf("Vulnerabilities:\n")
			for _, v := range f.Vulnerabilities {
				t.printf("  - [%s] %s\n", p.risk(v.Severity), v.Description)
			}
		}
		t.printf("Risk: %s\n", p.risk(f.Risk))
	}

	r.section(t, "Remediation")
	if len(s.Remediations) == 0 {
		t.printf("No remediation required.\n")
	}
	for i, fix := range s.Remediations {
		t.printf("%d. %s\n", i+1, fix)
	}
	t.printf("\nRequests: %d, responses: %d, failures: %d\n", s.Stats.Requests, s.Stats.Responses, s.Stats.Failures)
	return t.err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
