package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default paths of the target application's authentication surface.
const (
	DefaultStatusPath          = "/api/auth/status"
	DefaultLoginPagePath       = "/login"
	DefaultLoginPath           = "/api/auth/login"
	DefaultAdminPath           = "/api/users"
	DefaultDefaultPasswordPath = "/api/auth/check-default-password"
)

// DefaultUserAgent identifies the probe to the target.
const DefaultUserAgent = "Nettle-SecurityProbe/1.0"

// Supported report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DefaultEndpoints are the endpoints probed for caching weaknesses when none are configured.
var DefaultEndpoints = []string{
	"GET " + DefaultStatusPath,
	"GET /api/auth/oidc/login",
	"POST " + DefaultLoginPath,
}

// Credentials is the fixed, known-bad credential pair tried once per run.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Endpoint is a single method+path pair to analyze.
type Endpoint struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

// IsWrite reports whether the endpoint is probed with a placeholder body.
func (e Endpoint) IsWrite() bool {
	return e.Method != "GET" && e.Method != "HEAD"
}

// IsGet reports whether the endpoint is a GET. Only GET endpoints get the
// conditional request and the cross-session replay.
func (e Endpoint) IsGet() bool {
	return e.Method == "GET"
}

// Target describes what is probed. It does not change during a run.
type Target struct {
	BaseURL     string
	Credentials Credentials
	Endpoints   []Endpoint
}

// Config holds all the configuration for a probe run.
// Fields are populated by Viper from flags, environment and an optional config file.
type Config struct {
	Target Target

	StatusPath          string
	LoginPagePath       string
	LoginPath           string
	AdminPath           string
	DefaultPasswordPath string

	CheckDefaultPassword bool // Informational default-password endpoint probe
	CrossSession         bool // Re-request GET endpoints from a fresh session

	Concurrency        int // Endpoint-level parallelism of the cache analysis
	RequestTimeout     time.Duration
	UserAgent          string
	CustomHeaders      []string // Custom HTTP headers to add to every request (format: "Name: Value")
	ProxyInput         string   // Raw input for proxies (URL, list, or file path)
	ParsedProxies      []ProxyEntry
	InsecureSkipVerify bool
	RequestsPerSecond  float64       // Per-host pacing, 0 disables it
	StandbyOn429       time.Duration // Initial per-host standby after a 429, 0 disables it

	OutputFile   string
	OutputFormat string
	Verbosity    string
	NoColor      bool // To disable colored output
	Silent       bool // To suppress non-critical logs
}

// ProxyEntry holds the parsed components of a proxy string.
type ProxyEntry struct {
	URL      string
	Scheme   string
	Host     string // host:port
	Username string
	Password string
}

// String returns the proxy URL string representation.
// Omits user/pass if not present. Defaults to http scheme if not present.
func (pe *ProxyEntry) String() string {
	userInfo := ""
	if pe.Username != "" {
		userInfo = pe.Username
		if pe.Password != "" {
			userInfo += ":" + pe.Password
		}
		userInfo += "@"
	}
	schemeToUse := pe.Scheme
	if schemeToUse == "" {
		schemeToUse = "http"
	}
	return fmt.Sprintf("%s://%s%s", schemeToUse, userInfo, pe.Host)
}

// ConfigurationError is returned when the configuration cannot support a run.
// It is the only error class that aborts a run before any request is sent.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GetDefaultConfig returns a Config struct populated with default values.
// The target base URL has no default and must be supplied.
func GetDefaultConfig() *Config {
	endpoints, _ := ParseEndpoints(DefaultEndpoints)
	return &Config{
		Target: Target{
			Credentials: Credentials{Username: "admin", Password: "changeme"},
			Endpoints:   endpoints,
		},
		StatusPath:           DefaultStatusPath,
		LoginPagePath:        DefaultLoginPagePath,
		LoginPath:            DefaultLoginPath,
		AdminPath:            DefaultAdminPath,
		DefaultPasswordPath:  DefaultDefaultPasswordPath,
		CheckDefaultPassword: true,
		CrossSession:         true,
		Concurrency:          4,
		RequestTimeout:       10 * time.Second,
		UserAgent:            DefaultUserAgent,
		CustomHeaders:        []string{},
		ParsedProxies:        []ProxyEntry{},
		RequestsPerSecond:    0,
		StandbyOn429:         2 * time.Second,
		OutputFormat:         FormatText,
		Verbosity:            "info",
	}
}

// ParseEndpoint parses "METHOD /path" or "/path" (GET) into an Endpoint.
func ParseEndpoint(raw string) (Endpoint, error) {
	fields := strings.Fields(raw)
	switch len(fields) {
	case 1:
		return newEndpoint("GET", fields[0])
	case 2:
		return newEndpoint(fields[0], fields[1])
	default:
		return Endpoint{}, invalid("endpoint", "%q must be \"METHOD /path\" or \"/path\"", raw)
	}
}

func newEndpoint(method, path string) (Endpoint, error) {
	method = strings.ToUpper(method)
	switch method {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE":
	default:
		return Endpoint{}, invalid("endpoint", "method %q is not supported", method)
	}
	if !strings.HasPrefix(path, "/") {
		return Endpoint{}, invalid("endpoint", "path %q must start with '/'", path)
	}
	return Endpoint{Method: method, Path: path}, nil
}

// ParseEndpoints parses and deduplicates a list of raw endpoints, ignoring blanks and comments.
func ParseEndpoints(raw []string) ([]Endpoint, error) {
	var endpoints []Endpoint
	cleaned := make([]string, 0, len(raw))
	for _, line := range raw {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		cleaned = append(cleaned, trimmed)
	}
	for _, item := range deduplicateStringSlice(cleaned) {
		ep, err := ParseEndpoint(item)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func deduplicateStringSlice(s []string) []string {
	seen := make(map[string]struct{})
	result := []string{}
	for _, item := range s {
		if _, ok := seen[item]; !ok {
			seen[item] = struct{}{}
			result = append(result, item)
		}
	}
	return result
}

// Validate checks the configuration before any request is made.
// Every failure is a *ConfigurationError.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Target.BaseURL) == "" {
		return invalid("target", "base URL is required")
	}
	u, err := url.Parse(c.Target.BaseURL)
	if err != nil {
		return invalid("target", "base URL %q cannot be parsed: %v", c.Target.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("target", "base URL %q must use http or https", c.Target.BaseURL)
	}
	if u.Host == "" {
		return invalid("target", "base URL %q has no host", c.Target.BaseURL)
	}
	if c.Target.Credentials.Username == "" {
		return invalid("username", "cannot be empty")
	}
	if len(c.Target.Endpoints) == 0 {
		return invalid("endpoints", "at least one endpoint is required")
	}
	for name, p := range map[string]string{
		"status-path":     c.StatusPath,
		"login-page-path": c.LoginPagePath,
		"login-path":      c.LoginPath,
		"admin-path":      c.AdminPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return invalid(name, "%q must start with '/'", p)
		}
	}
	if c.CheckDefaultPassword && !strings.HasPrefix(c.DefaultPasswordPath, "/") {
		return invalid("default-password-path", "%q must start with '/'", c.DefaultPasswordPath)
	}
	if c.RequestTimeout <= 0 {
		return invalid("timeout", "must be positive")
	}
	if c.Concurrency <= 0 {
		return invalid("concurrency", "must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return invalid("rate", "cannot be negative")
	}
	if c.StandbyOn429 < 0 {
		return invalid("standby", "cannot be negative")
	}
	if c.UserAgent == "" {
		return invalid("user-agent", "cannot be empty")
	}
	switch c.OutputFormat {
	case FormatText, FormatJSON, FormatYAML:
	default:
		return invalid("format", "%q is not one of text, json, yaml", c.OutputFormat)
	}
	for _, h := range c.CustomHeaders {
		if !strings.Contains(h, ":") {
			return invalid("header", "%q must be \"Name: Value\"", h)
		}
	}
	return nil
}

// String (Config method) remains useful for debugging. The password is never printed.
func (c *Config) String() string {
	return fmt.Sprintf("Target: %s, Username: %s, Endpoints: %v, UserAgent: %s, Timeout: %s, Concurrency: %d, Rate: %.2f, Proxies: %d, Format: %s, Verbosity: %s, CustomHeaders (count): %d",
		c.Target.BaseURL, c.Target.Credentials.Username, c.Target.Endpoints, c.UserAgent, c.RequestTimeout.String(), c.Concurrency, c.RequestsPerSecond, len(c.ParsedProxies), c.OutputFormat, c.Verbosity, len(c.CustomHeaders))
}
