package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/networking"
	"github.com/rafabd1/Nettle/internal/utils"
)

// SensitiveFieldNames are the JSON key fragments reported when found in a response body.
var SensitiveFieldNames = []string{"userId", "email", "username", "sessionId", "token", "authenticated"}

// ObservedHeaderNames are the response headers recorded on every finding, in report order.
var ObservedHeaderNames = []string{
	"Cache-Control",
	"Pragma",
	"Expires",
	"ETag",
	"Vary",
	"Strict-Transport-Security",
	"Last-Modified",
	"Age",
}

// placeholderBody is sent to write endpoints. The credentials are deliberately invalid.
var placeholderBody = map[string]string{"username": "testuser", "password": "testpass"}

// Vulnerability codes.
const (
	CodeETagPresent        = "etag-present"
	CodeConditional304     = "conditional-304"
	CodeExpiresFuture      = "expires-future"
	CodeMissingVary        = "missing-vary"
	CodePragma             = "pragma"
	CodeMissingHSTS        = "missing-hsts"
	CodeCookieSecure       = "cookie-missing-secure"
	CodeCookieHTTPOnly     = "cookie-missing-httponly"
	CodeCookieSameSite     = "cookie-missing-samesite"
	CodeSensitiveField     = "sensitive-field"
	CodeCrossSessionShared = "cross-session-cache-hit"
)

// Vulnerability is one weakness observed on an endpoint.
type Vulnerability struct {
	Code        string    `json:"code" yaml:"code"`
	Severity    RiskLevel `json:"severity" yaml:"severity"`
	Description string    `json:"description" yaml:"description"`
}

// HeaderObservation records one response header, present or not.
type HeaderObservation struct {
	Name    string `json:"name" yaml:"name"`
	Value   string `json:"value,omitempty" yaml:"value,omitempty"`
	Present bool   `json:"present" yaml:"present"`
}

// ConditionalOutcome is the result of revalidating with If-None-Match.
type ConditionalOutcome struct {
	ETag        string               `json:"etag" yaml:"etag"`
	StatusCode  int                  `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Exploitable bool                 `json:"exploitable" yaml:"exploitable"`
	ErrorKind   networking.ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

// CrossSessionOutcome is the result of requesting the endpoint from a fresh session.
type CrossSessionOutcome struct {
	StatusCode int                  `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	CacheHit   bool                 `json:"cache_hit" yaml:"cache_hit"`
	Shared     bool                 `json:"shared" yaml:"shared"`
	ErrorKind  networking.ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

// CacheFinding is the analysis of one endpoint.
type CacheFinding struct {
	Endpoint        string                 `json:"endpoint" yaml:"endpoint"`
	Method          string                 `json:"method" yaml:"method"`
	URL             string                 `json:"url" yaml:"url"`
	StatusCode      int                    `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Headers         []HeaderObservation    `json:"headers" yaml:"headers"`
	CacheControl    *CacheControlClass     `json:"cache_control,omitempty" yaml:"cache_control,omitempty"`
	Vulnerabilities []Vulnerability        `json:"vulnerabilities" yaml:"vulnerabilities"`
	Cookies         []networking.Cookie    `json:"cookies,omitempty" yaml:"cookies,omitempty"`
	SensitiveFields []utils.SensitiveField `json:"sensitive_fields,omitempty" yaml:"sensitive_fields,omitempty"`
	Conditional     *ConditionalOutcome    `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	CrossSession    *CrossSessionOutcome   `json:"cross_session,omitempty" yaml:"cross_session,omitempty"`
	ParseError      string                 `json:"parse_error,omitempty" yaml:"parse_error,omitempty"`
	Risk            RiskLevel              `json:"risk" yaml:"risk"`
	Error           string                 `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind       networking.ErrorKind   `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

// Header returns the observed value of a tracked header.
func (f *CacheFinding) Header(name string) (string, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h.Value, h.Present
		}
	}
	return "", false
}

// HasVulnerability reports whether a vulnerability with code was recorded.
func (f *CacheFinding) HasVulnerability(code string) bool {
	for _, v := range f.Vulnerabilities {
		if v.Code == code {
			return true
		}
	}
	return false
}

func (f *CacheFinding) add(code string, severity RiskLevel, format string, args ...interface{}) {
	f.Vulnerabilities = append(f.Vulnerabilities, Vulnerability{
		Code:        code,
		Severity:    severity,
		Description: fmt.Sprintf(format, args...),
	})
}

// SessionFactory returns a new, empty session for each call.
type SessionFactory func() (HTTPSession, error)

// SessionsFrom builds a SessionFactory over a networking client.
func SessionsFrom(client *networking.Client) SessionFactory {
	return func() (HTTPSession, error) {
		s, err := client.NewSession()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// CacheAnalyzer checks endpoints for caching weaknesses. Each endpoint gets its own
// session so cookies never leak between endpoints.
type CacheAnalyzer struct {
	newSession   SessionFactory
	concurrency  int
	crossSession bool
	logger       utils.Logger
	now          func() time.Time
	onFinding    func(CacheFinding)
}

// NewCacheAnalyzer creates a CacheAnalyzer.
func NewCacheAnalyzer(cfg *config.Config, sessions SessionFactory, logger utils.Logger) *CacheAnalyzer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &CacheAnalyzer{
		newSession:   sessions,
		concurrency:  concurrency,
		crossSession: cfg.CrossSession,
		logger:       logger,
		now:          time.Now,
	}
}

// OnFinding registers fn to be called as each endpoint finishes. fn must be safe for concurrent use.
func (a *CacheAnalyzer) OnFinding(fn func(CacheFinding)) {
	a.onFinding = fn
}

// Analyze runs the cache checks on every endpoint with bounded parallelism.
// The returned findings are in the same order as endpoints.
func (a *CacheAnalyzer) Analyze(ctx context.Context, endpoints []config.Endpoint) []CacheFinding {
	findings := make([]CacheFinding, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			findings[i] = a.analyzeEndpoint(gctx, ep)
			if a.onFinding != nil {
				a.onFinding(findings[i])
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are part of each finding

	return findings
}

func (a *CacheAnalyzer) analyzeEndpoint(ctx context.Context, ep config.Endpoint) CacheFinding {
	f := CacheFinding{Endpoint: ep.Path, Method: ep.Method, Vulnerabilities: []Vulnerability{}}

	if err := ctx.Err(); err != nil {
		f.Error = "analysis interrupted before the request was sent"
		f.ErrorKind = networking.KindCanceled
		return f
	}

	session, err := a.newSession()
	if err != nil {
		f.Error = fmt.Sprintf("failed to create session: %v", err)
		return f
	}

	var body interface{}
	if ep.IsWrite() {
		body = placeholderBody
	}
	a.logger.Debugf("[Cache] Baseline %s", ep)
	base := session.Do(ctx, ep.Method, ep.Path, body, nil)
	f.URL = base.URL
	if base.Err != nil {
		f.Error = base.Err.Error()
		f.ErrorKind = base.Err.Kind
		a.logger.Warnf("[Cache] %s unreachable: %v", ep, base.Err)
		return f
	}

	f.StatusCode = base.StatusCode
	f.Cookies = base.Cookies
	if base.ParseError != nil {
		f.ParseError = base.ParseError.Error()
	}
	for _, name := range ObservedHeaderNames {
		v, ok := utils.HeaderValue(base.Headers, name)
		f.Headers = append(f.Headers, HeaderObservation{Name: name, Value: v, Present: ok})
	}

	cc, ccPresent := f.Header("Cache-Control")
	class := ClassifyCacheControl(cc, ccPresent)
	f.CacheControl = &class
	if !class.ProperlyConfigured {
		f.add(class.Code, class.Severity, "%s", class.Description)
	}

	if etag, ok := f.Header("ETag"); ok && etag != "" {
		f.add(CodeETagPresent, RiskLow, "ETag header present (enables conditional requests)")
		if ep.IsGet() {
			a.checkConditional(ctx, session, ep, etag, &f)
		}
	}

	if expires, ok := f.Header("Expires"); ok && utils.ExpiresInFuture(expires, a.now()) {
		f.add(CodeExpiresFuture, RiskMedium, "Expires permits caching until %s", expires)
	}
	if _, ok := f.Header("Vary"); !ok {
		f.add(CodeMissingVary, RiskMedium, "missing Vary header: cache may not differentiate users")
	}
	if pragma, ok := f.Header("Pragma"); !PragmaIsNoCache(pragma, ok) {
		f.add(CodePragma, RiskLow, "missing or incorrect Pragma: no-cache: HTTP/1.0 compatibility gap")
	}
	if _, ok := f.Header("Strict-Transport-Security"); !ok {
		f.add(CodeMissingHSTS, RiskLow, "missing Strict-Transport-Security: transport downgrade risk")
	}

	for _, c := range base.Cookies {
		if !c.Secure {
			f.add(CodeCookieSecure, RiskLow, "cookie %q set without Secure", c.Name)
		}
		if !c.HTTPOnly {
			f.add(CodeCookieHTTPOnly, RiskLow, "cookie %q set without HttpOnly", c.Name)
		}
		if c.SameSite == "" {
			f.add(CodeCookieSameSite, RiskLow, "cookie %q set without SameSite", c.Name)
		}
	}

	if base.JSON != nil {
		fields, err := utils.FindSensitiveFields(base.Body, SensitiveFieldNames)
		if err != nil {
			a.logger.Debugf("[Cache] %s: %v", ep, err)
		}
		severity := RiskMedium
		if class.ProperlyConfigured {
			severity = RiskLow
		}
		f.SensitiveFields = fields
		for _, field := range fields {
			f.add(CodeSensitiveField, severity, "sensitive field %q present in response body", field.Path)
		}
	}

	if a.crossSession && ep.IsGet() {
		a.checkCrossSession(ctx, ep, base.Headers, &f)
	}

	f.Risk = EndpointRisk(class, f.Vulnerabilities)
	a.logger.Debugf("[Cache] %s -> %s (%d findings)", ep, f.Risk, len(f.Vulnerabilities))
	return f
}

func (a *CacheAnalyzer) checkConditional(ctx context.Context, session HTTPSession, ep config.Endpoint, etag string, f *CacheFinding) {
	res := session.Do(ctx, ep.Method, ep.Path, nil, http.Header{"If-None-Match": []string{etag}})
	out := &ConditionalOutcome{ETag: etag, StatusCode: res.StatusCode, ErrorKind: res.ErrorKind()}
	if res.Err == nil && res.StatusCode == http.StatusNotModified {
		out.Exploitable = true
		f.add(CodeConditional304, RiskHigh, "conditional caching confirmed exploitable (304 Not Modified for If-None-Match)")
	}
	f.Conditional = out
}

func (a *CacheAnalyzer) checkCrossSession(ctx context.Context, ep config.Endpoint, baseline http.Header, f *CacheFinding) {
	other, err := a.newSession()
	if err != nil {
		a.logger.Debugf("[Cache] Cross-session check for %s skipped: %v", ep, err)
		return
	}
	res := other.Do(ctx, ep.Method, ep.Path, nil, nil)
	out := &CrossSessionOutcome{StatusCode: res.StatusCode, ErrorKind: res.ErrorKind()}
	if res.Err == nil {
		out.CacheHit = utils.IsCacheHit(res.Headers)
		out.Shared = out.CacheHit && utils.IsCacheable(baseline)
	}
	if out.Shared {
		f.add(CodeCrossSessionShared, RiskHigh, "response served from shared cache across sessions")
	}
	f.CrossSession = out
}
