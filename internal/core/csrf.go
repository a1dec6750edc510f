package core

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rafabd1/Nettle/internal/utils"
)

// CsrfSource says where a CSRF token was found.
type CsrfSource string

const (
	SourceJSONField    CsrfSource = "json-field"
	SourceCookie       CsrfSource = "cookie"
	SourceHeader       CsrfSource = "header"
	SourceHTMLMeta     CsrfSource = "html-meta"
	SourceHTMLScript   CsrfSource = "html-script"
	SourceHTMLDataAttr CsrfSource = "html-data-attr"
	SourceNone         CsrfSource = "none"
)

// CsrfTokenHeader is the request header a resolved token is echoed in.
const CsrfTokenHeader = "X-CSRF-Token"

var (
	csrfJSONFields   = []string{"csrfToken", "csrf_token", "token", "xsrfToken"}
	csrfCookieNames  = []string{"csrf_token", "XSRF-TOKEN", "csrftoken", "_csrf"}
	csrfHeaderNames  = []string{"X-CSRF-Token", "X-XSRF-Token", "CSRF-Token"}
	csrfScriptRegexp = regexp.MustCompile(`csrfToken["']?\s*[:=]\s*["']([^"']+)["']`)
)

// CsrfToken is the anti-forgery token resolved for the login attempt.
type CsrfToken struct {
	Value   string     `json:"value,omitempty" yaml:"value,omitempty"`
	Present bool       `json:"present" yaml:"present"`
	Source  CsrfSource `json:"source" yaml:"source"`
	Name    string     `json:"name,omitempty" yaml:"name,omitempty"` // field, cookie or header name
}

// Header returns the request headers that carry the token, or nil when there is none.
func (t CsrfToken) Header() http.Header {
	if !t.Present {
		return nil
	}
	h := http.Header{}
	h.Set(CsrfTokenHeader, t.Value)
	return h
}

func absentToken() CsrfToken {
	return CsrfToken{Source: SourceNone}
}

// resolveContext is what strategies see. The login page is fetched on first use only.
type resolveContext struct {
	ctx           context.Context
	prior         map[string]interface{}
	session       HTTPSession
	loginPagePath string
	logger        utils.Logger

	pageFetched bool
	page        *goquery.Document
	pageHTML    string
}

// loginPage fetches and parses the login page once. Non-200 answers count as no page.
func (rc *resolveContext) loginPage() (*goquery.Document, string) {
	if rc.pageFetched {
		return rc.page, rc.pageHTML
	}
	rc.pageFetched = true

	res := rc.session.Get(rc.ctx, rc.loginPagePath, http.Header{"Accept": []string{"text/html"}})
	if res.Err != nil {
		rc.logger.Debugf("[CSRF] Login page %s unreachable: %v", rc.loginPagePath, res.Err)
		return nil, ""
	}
	if res.StatusCode != http.StatusOK {
		rc.logger.Debugf("[CSRF] Login page %s returned %d, not scanning it", rc.loginPagePath, res.StatusCode)
		return nil, ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Text()))
	if err != nil {
		rc.logger.Debugf("[CSRF] Failed to parse login page HTML: %v", err)
		return nil, res.Text()
	}
	rc.page, rc.pageHTML = doc, res.Text()
	return rc.page, rc.pageHTML
}

// CsrfStrategy looks for a token in one place.
type CsrfStrategy func(rc *resolveContext) (CsrfToken, bool)

// DefaultCsrfStrategies returns the lookup order: JSON body, cookies, headers, then the login page HTML.
func DefaultCsrfStrategies() []CsrfStrategy {
	return []CsrfStrategy{
		fromJSONField,
		fromCookie,
		fromHeader,
		fromHTMLMeta,
		fromHTMLScript,
		fromHTMLDataAttr,
	}
}

func fromJSONField(rc *resolveContext) (CsrfToken, bool) {
	for _, key := range csrfJSONFields {
		if v, ok := rc.prior[key].(string); ok && v != "" {
			return CsrfToken{Value: v, Present: true, Source: SourceJSONField, Name: key}, true
		}
	}
	return CsrfToken{}, false
}

func fromCookie(rc *resolveContext) (CsrfToken, bool) {
	for _, c := range rc.session.Cookies() {
		for _, name := range csrfCookieNames {
			if c.Name == name && c.Value != "" {
				return CsrfToken{Value: c.Value, Present: true, Source: SourceCookie, Name: name}, true
			}
		}
	}
	return CsrfToken{}, false
}

func fromHeader(rc *resolveContext) (CsrfToken, bool) {
	headers := rc.session.LastHeaders()
	for _, name := range csrfHeaderNames {
		if v := strings.TrimSpace(headers.Get(name)); v != "" {
			return CsrfToken{Value: v, Present: true, Source: SourceHeader, Name: name}, true
		}
	}
	return CsrfToken{}, false
}

func fromHTMLMeta(rc *resolveContext) (CsrfToken, bool) {
	doc, _ := rc.loginPage()
	if doc == nil {
		return CsrfToken{}, false
	}
	var token CsrfToken
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		content, _ := s.Attr("content")
		if strings.EqualFold(name, "csrf-token") && content != "" {
			token = CsrfToken{Value: content, Present: true, Source: SourceHTMLMeta, Name: "csrf-token"}
			return false
		}
		return true
	})
	return token, token.Present
}

func fromHTMLScript(rc *resolveContext) (CsrfToken, bool) {
	doc, html := rc.loginPage()
	var sources []string
	if doc != nil {
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			sources = append(sources, s.Text())
		})
	} else if html != "" {
		sources = append(sources, html)
	}
	for _, src := range sources {
		if m := csrfScriptRegexp.FindStringSubmatch(src); m != nil {
			return CsrfToken{Value: m[1], Present: true, Source: SourceHTMLScript, Name: "csrfToken"}, true
		}
	}
	return CsrfToken{}, false
}

func fromHTMLDataAttr(rc *resolveContext) (CsrfToken, bool) {
	doc, _ := rc.loginPage()
	if doc == nil {
		return CsrfToken{}, false
	}
	v, ok := doc.Find("[data-csrf]").First().Attr("data-csrf")
	if !ok || v == "" {
		return CsrfToken{}, false
	}
	return CsrfToken{Value: v, Present: true, Source: SourceHTMLDataAttr, Name: "data-csrf"}, true
}

// CsrfResolver tries its strategies in order and stops at the first hit.
type CsrfResolver struct {
	strategies    []CsrfStrategy
	loginPagePath string
	logger        utils.Logger
}

// NewCsrfResolver creates a resolver using DefaultCsrfStrategies.
func NewCsrfResolver(loginPagePath string, logger utils.Logger) *CsrfResolver {
	return &CsrfResolver{
		strategies:    DefaultCsrfStrategies(),
		loginPagePath: loginPagePath,
		logger:        logger,
	}
}

// Resolve returns the first token found, or an absent token.
// A missing token is not an error: many servers do not use one.
func (r *CsrfResolver) Resolve(ctx context.Context, priorJSON map[string]interface{}, session HTTPSession) CsrfToken {
	rc := &resolveContext{
		ctx:           ctx,
		prior:         priorJSON,
		session:       session,
		loginPagePath: r.loginPagePath,
		logger:        r.logger,
	}
	for _, strategy := range r.strategies {
		if token, ok := strategy(rc); ok {
			r.logger.Debugf("[CSRF] Token found (source: %s, name: %s)", token.Source, token.Name)
			return token
		}
	}
	r.logger.Debugf("[CSRF] No token found, continuing without one")
	return absentToken()
}
