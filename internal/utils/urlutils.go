package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// schemePattern checks if the URL starts with a scheme such as http:// or https://
	schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

	// protocolRelativePattern checks if the URL starts with // (protocol-relative)
	protocolRelativePattern = regexp.MustCompile(`^//`)
)

// NormalizeBaseURL prepares a target base URL: https is assumed when no scheme is given,
// scheme and host are lowercased, and trailing slashes, query and fragment are dropped.
func NormalizeBaseURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", nil
	}
	if protocolRelativePattern.MatchString(trimmed) {
		trimmed = "https:" + trimmed
	} else if !schemePattern.MatchString(trimmed) {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL %q: %w", rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// JoinURL appends an absolute path (which may carry a query string) to a base URL,
// keeping any path prefix the base already has.
func JoinURL(baseURL, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	full := strings.TrimRight(baseURL, "/") + path
	u, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("failed to join %q and %q: %w", baseURL, path, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("joined URL %q is not absolute", full)
	}
	return u.String(), nil
}
