package networking

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/utils"
)

// maxBodyBytes bounds how much of a response body is kept.
const maxBodyBytes = 5 << 20

// Client holds what every Session of a run shares: the transport, proxies,
// default headers, request pacing and reachability counters.
// Cookies are never shared; each Session has its own jar.
type Client struct {
	baseURL       string
	userAgent     string
	timeout       time.Duration
	customHeaders http.Header
	logger        utils.Logger
	domainManager *DomainManager

	transport        *http.Transport
	parsedProxies    []config.ProxyEntry
	proxyLock        sync.Mutex
	domainProxyIndex map[string]int

	requests  atomic.Int64
	responses atomic.Int64
	failures  atomic.Int64
}

// Stats counts what happened on the wire during a run.
type Stats struct {
	Requests  int64 `json:"requests"`
	Responses int64 `json:"responses"`
	Failures  int64 `json:"failures"`
}

// Reached reports whether at least one response came back from the target.
func (s Stats) Reached() bool {
	return s.Responses > 0
}

// NewClient creates a new Client with specified configurations.
func NewClient(cfg *config.Config, dm *DomainManager, logger utils.Logger) (*Client, error) {
	if _, err := url.Parse(cfg.Target.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.Target.BaseURL, err)
	}

	c := &Client{
		baseURL:          strings.TrimRight(cfg.Target.BaseURL, "/"),
		userAgent:        cfg.UserAgent,
		timeout:          cfg.RequestTimeout,
		customHeaders:    parseCustomHeaders(cfg.CustomHeaders),
		logger:           logger,
		domainManager:    dm,
		parsedProxies:    cfg.ParsedProxies,
		domainProxyIndex: make(map[string]int),
	}

	c.transport = &http.Transport{
		Proxy: c.proxyForRequest,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.RequestTimeout,
	}
	return c, nil
}

// parseCustomHeaders turns "Name: Value" strings into a header set.
func parseCustomHeaders(raw []string) http.Header {
	headers := http.Header{}
	for _, headerStr := range raw {
		parts := strings.SplitN(headerStr, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		headers.Add(name, strings.TrimSpace(parts[1]))
	}
	return headers
}

// proxyForRequest selects a proxy for the request's host using round-robin per host.
func (c *Client) proxyForRequest(req *http.Request) (*url.URL, error) {
	c.proxyLock.Lock()
	defer c.proxyLock.Unlock()

	if len(c.parsedProxies) == 0 {
		return nil, nil
	}

	targetDomain := req.URL.Hostname()
	currentIndex, exists := c.domainProxyIndex[targetDomain]
	if !exists {
		currentIndex = 0
	} else {
		currentIndex = (currentIndex + 1) % len(c.parsedProxies)
	}
	c.domainProxyIndex[targetDomain] = currentIndex

	selected := c.parsedProxies[currentIndex]
	proxyURL, err := url.Parse(selected.URL)
	if err != nil {
		c.logger.Warnf("Failed to parse stored proxy URL '%s': %v. Using direct connection.", selected.Host, err)
		return nil, nil
	}
	c.logger.Debugf("Selected proxy '%s' for target domain '%s' (Index: %d)", selected.Host, targetDomain, currentIndex)
	return proxyURL, nil
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Responses: c.responses.Load(),
		Failures:  c.failures.Load(),
	}
}

// NewSession creates a Session with an empty cookie jar.
func (c *Client) NewSession() (*Session, error) {
	return newSession(c)
}

func (c *Client) httpClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport: c.transport,
		Jar:       jar,
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Always return the last response (e.g. the 302 itself)
		},
	}
}

// defaultHeaders builds the header set every request starts from. Later layers win:
// built-in defaults, then configured custom headers, then caller headers.
func (c *Client) defaultHeaders(callerHeaders http.Header) http.Header {
	headers := http.Header{}
	headers.Set("User-Agent", c.userAgent)
	headers.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	for name, values := range c.customHeaders {
		headers[name] = append([]string(nil), values...)
	}
	for name, values := range callerHeaders {
		headers.Del(name)
		for _, value := range values {
			headers.Add(name, value)
		}
	}
	return headers
}
