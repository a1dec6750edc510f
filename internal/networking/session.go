package networking

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/rafabd1/Nettle/internal/utils"
)

// ErrorKind classifies a request that failed before any HTTP status was received.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTimeout           ErrorKind = "timeout"
	KindDNS               ErrorKind = "dns"
	KindTLS               ErrorKind = "tls"
	KindConnectionRefused ErrorKind = "connection-refused"
	KindConnection        ErrorKind = "connection"
	KindCanceled          ErrorKind = "canceled"
	KindInvalidRequest    ErrorKind = "invalid-request"
)

// NetworkError is a transport level failure: no response was received.
type NetworkError struct {
	Kind   ErrorKind
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// classifyError maps the error returned by http.Client.Do to an ErrorKind.
func classifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var (
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		recordErr   tls.RecordHeaderError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &recordErr) {
		return KindTLS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if strings.Contains(strings.ToLower(err.Error()), "tls") {
		return KindTLS
	}
	return KindConnection
}

// Cookie is a cookie as the server set it, attributes included.
type Cookie struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Domain   string `json:"domain" yaml:"domain"`
	Path     string `json:"path" yaml:"path"`
	Secure   bool   `json:"secure" yaml:"secure"`
	HTTPOnly bool   `json:"http_only" yaml:"http_only"`
	SameSite string `json:"same_site,omitempty" yaml:"same_site,omitempty"`
}

func cookieFromHTTP(c *http.Cookie, defaultDomain string) Cookie {
	domain := c.Domain
	if domain == "" {
		domain = defaultDomain
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	sameSite := ""
	switch c.SameSite {
	case http.SameSiteLaxMode:
		sameSite = "Lax"
	case http.SameSiteStrictMode:
		sameSite = "Strict"
	case http.SameSiteNoneMode:
		sameSite = "None"
	}
	return Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   domain,
		Path:     path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		SameSite: sameSite,
	}
}

// ProbeResult is what a single HTTP call produced. It is not modified after it is returned.
type ProbeResult struct {
	Method     string
	URL        string
	StatusCode int // 0 when Err is set
	Headers    http.Header
	Body       []byte
	JSON       interface{} // Parsed body, nil if the body is not JSON
	ParseError error       // Set when the response claimed JSON but did not parse
	Err        *NetworkError
	Cookies    []Cookie // Cookies set by this response
	Elapsed    time.Duration
	// DelayedByStandby is set when the host was in 429 standby as the request was queued.
	DelayedByStandby bool
}

// OK reports whether a response with the given status was received.
func (r *ProbeResult) OK(statuses ...int) bool {
	if r == nil || r.Err != nil {
		return false
	}
	for _, s := range statuses {
		if r.StatusCode == s {
			return true
		}
	}
	return false
}

// JSONObject returns the parsed body when it is a JSON object.
func (r *ProbeResult) JSONObject() map[string]interface{} {
	if r == nil {
		return nil
	}
	obj, _ := r.JSON.(map[string]interface{})
	return obj
}

// Text returns the raw body as a string.
func (r *ProbeResult) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// ErrorKind returns the kind of network failure, or KindNone.
func (r *ProbeResult) ErrorKind() ErrorKind {
	if r == nil || r.Err == nil {
		return KindNone
	}
	return r.Err.Kind
}

// Session is a cookie-carrying view of the target. Calls on a Session are
// serialized; use Fork to get an isolated Session for concurrent work.
type Session struct {
	client     *Client
	httpClient *http.Client
	jar        http.CookieJar

	mu          sync.Mutex
	cookies     []Cookie
	lastHeaders http.Header
}

func newSession(c *Client) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Session{
		client:      c,
		httpClient:  c.httpClient(jar),
		jar:         jar,
		lastHeaders: http.Header{},
	}, nil
}

// Fork returns a new Session sharing transport and configuration but with an empty cookie jar.
func (s *Session) Fork() (*Session, error) {
	return newSession(s.client)
}

// Get issues a GET request to path, relative to the target base URL.
func (s *Session) Get(ctx context.Context, path string, headers http.Header) *ProbeResult {
	return s.do(ctx, http.MethodGet, path, nil, headers)
}

// Post issues a POST request with jsonBody marshalled as JSON. A nil body sends no content.
func (s *Session) Post(ctx context.Context, path string, jsonBody interface{}, headers http.Header) *ProbeResult {
	return s.Do(ctx, http.MethodPost, path, jsonBody, headers)
}

// Do issues a request with any method. Non-GET bodies are marshalled as JSON.
func (s *Session) Do(ctx context.Context, method, path string, jsonBody interface{}, headers http.Header) *ProbeResult {
	var payload []byte
	if jsonBody != nil {
		var err error
		payload, err = json.Marshal(jsonBody)
		if err != nil {
			return &ProbeResult{
				Method: method,
				URL:    path,
				Err:    &NetworkError{Kind: KindInvalidRequest, Method: method, URL: path, Err: err},
			}
		}
	}
	return s.do(ctx, method, path, payload, headers)
}

func (s *Session) do(ctx context.Context, method, path string, payload []byte, headers http.Header) *ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &ProbeResult{Method: method}
	target, err := utils.JoinURL(s.client.baseURL, path)
	if err != nil {
		result.URL = path
		result.Err = &NetworkError{Kind: KindInvalidRequest, Method: method, URL: path, Err: err}
		return result
	}
	result.URL = target

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		result.Err = &NetworkError{Kind: KindInvalidRequest, Method: method, URL: target, Err: err}
		return result
	}
	req.Header = s.client.defaultHeaders(headers)
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	domain := req.URL.Hostname()
	if s.client.domainManager != nil {
		if standby, until := s.client.domainManager.IsStandby(domain); standby {
			result.DelayedByStandby = true
			s.client.logger.Debugf("[Session] %s %s waits for standby on %s until %s", method, target, domain, until.Format(time.RFC3339))
		}
		if err := s.client.domainManager.Wait(ctx, domain); err != nil {
			result.Err = &NetworkError{Kind: classifyError(err), Method: method, URL: target, Err: err}
			return result
		}
	}

	s.client.requests.Add(1)
	s.client.logger.Debugf("[Session] %s %s", method, target)
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	result.Elapsed = time.Since(start)
	if err != nil {
		s.client.failures.Add(1)
		if s.client.domainManager != nil {
			s.client.domainManager.RecordRequestResult(domain, 0, err)
		}
		result.Err = &NetworkError{Kind: classifyError(err), Method: method, URL: target, Err: err}
		s.client.logger.Debugf("[Session] %s %s failed: %v", method, target, result.Err)
		return result
	}
	defer resp.Body.Close()

	s.client.responses.Add(1)
	if s.client.domainManager != nil {
		s.client.domainManager.RecordRequestResult(domain, resp.StatusCode, nil)
	}

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header.Clone()
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		s.client.logger.Debugf("[Session] Error reading body from %s: %v", target, readErr)
	}
	result.Body = raw
	result.JSON, result.ParseError = parseJSONBody(resp.Header.Get("Content-Type"), raw)

	for _, c := range resp.Cookies() {
		cookie := cookieFromHTTP(c, domain)
		result.Cookies = append(result.Cookies, cookie)
		s.recordCookie(cookie, c.MaxAge < 0)
	}
	s.lastHeaders = result.Headers

	s.client.logger.Debugf("[Session] %s %s -> %d (%d bytes, %s)", method, target, resp.StatusCode, len(raw), result.Elapsed)
	return result
}

// parseJSONBody decodes bodies that claim JSON or look like it. A parse failure is
// only an error when the Content-Type promised JSON.
func parseJSONBody(contentType string, raw []byte) (interface{}, error) {
	claimsJSON := strings.Contains(strings.ToLower(contentType), "json")
	trimmed := bytes.TrimSpace(raw)
	looksJSON := len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
	if !claimsJSON && !looksJSON {
		return nil, nil
	}
	var parsed interface{}
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		if claimsJSON {
			return nil, fmt.Errorf("response body is not valid JSON: %w", err)
		}
		return nil, nil
	}
	return parsed, nil
}

// recordCookie keeps the ordered cookie record in step with the jar.
// Must be called with s.mu held.
func (s *Session) recordCookie(c Cookie, deleted bool) {
	for i, existing := range s.cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			if deleted {
				s.cookies = append(s.cookies[:i], s.cookies[i+1:]...)
			} else {
				s.cookies[i] = c
			}
			return
		}
	}
	if !deleted {
		s.cookies = append(s.cookies, c)
	}
}

// Cookies returns the cookies received so far, in the order they were first set.
func (s *Session) Cookies() []Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out
}

// LastHeaders returns the headers of the most recent response.
func (s *Session) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}
