package utils

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GetDomainFromURL extracts the domain name from a URL string.
func GetDomainFromURL(urlString string) (string, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// HeaderValue joins every value of a header, so repeated headers are inspected together.
// The second return is false when the header is absent.
func HeaderValue(headers http.Header, name string) (string, bool) {
	values := headers.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ", "), true
}

// ParseDirectives splits a comma separated header value (Cache-Control, Pragma, Vary)
// into lowercased directive names mapped to their (unquoted) arguments.
func ParseDirectives(value string) map[string]string {
	directives := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, arg, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		directives[name] = strings.Trim(strings.TrimSpace(arg), `"`)
	}
	return directives
}

// HasDirective reports whether a header value carries the directive, case-insensitively.
func HasDirective(value, directive string) bool {
	_, ok := ParseDirectives(value)[strings.ToLower(directive)]
	return ok
}

// ExpiresInFuture reports whether an Expires header value is a date after now.
// "0", "-1" and unparsable values mean already expired.
func ExpiresInFuture(value string, now time.Time) bool {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" || value == "-1" {
		return false
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return false
	}
	return t.After(now)
}

// IsCacheable checks response headers to make a basic assessment of whether a response is likely cacheable.
// This is a simplified check; real cache behavior can be complex.
func IsCacheable(headers http.Header) bool {
	if cacheControl, ok := HeaderValue(headers, "Cache-Control"); ok {
		directives := ParseDirectives(cacheControl)
		if _, noStore := directives["no-store"]; noStore {
			return false
		}
		if _, ok := directives["public"]; ok {
			return true
		}
		for _, name := range []string{"max-age", "s-maxage"} {
			if arg, ok := directives[name]; ok {
				if secs, err := strconv.Atoi(arg); err == nil && secs > 0 {
					return true
				}
			}
		}
		if _, noCache := directives["no-cache"]; noCache {
			return false
		}
	}

	if pragma, ok := HeaderValue(headers, "Pragma"); ok && HasDirective(pragma, "no-cache") {
		return false
	}

	if ExpiresInFuture(headers.Get("Expires"), time.Now()) {
		return true
	}

	// Validators without explicit directives let caches apply heuristic freshness.
	if _, hasCC := HeaderValue(headers, "Cache-Control"); !hasCC {
		return headers.Get("Last-Modified") != "" || headers.Get("ETag") != ""
	}
	return false
}

// IsCacheHit looks for the markers CDNs and reverse proxies add when a response came from cache.
func IsCacheHit(headers http.Header) bool {
	xCache := strings.ToLower(headers.Get("X-Cache"))
	if strings.Contains(xCache, "hit") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(headers.Get("CF-Cache-Status")), "HIT") {
		return true
	}
	if age, err := strconv.Atoi(strings.TrimSpace(headers.Get("Age"))); err == nil && age > 0 {
		return true
	}
	return false
}
