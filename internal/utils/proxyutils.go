package utils

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/rafabd1/Nettle/internal/config"
)

// ParseProxyInput parses a proxy input string (which can be a single proxy URL,
// a comma-separated list of proxy URLs, or a file path containing one proxy URL per line)
// into a slice of ProxyEntry structs.
// Accepted forms: host:port, user:pass@host:port, scheme://[user:pass@]host:port.
func ParseProxyInput(proxyInput string, logger Logger) ([]config.ProxyEntry, error) {
	if proxyInput == "" {
		return nil, nil
	}

	var proxyStrings []string
	if info, err := os.Stat(proxyInput); err == nil && !info.IsDir() {
		logger.Debugf("Proxy input '%s' appears to be a file. Attempting to read.", proxyInput)
		lines, errRead := readProxyFile(proxyInput)
		if errRead != nil {
			return nil, errRead
		}
		proxyStrings = lines
	} else {
		proxyStrings = strings.Split(proxyInput, ",")
	}

	var parsedProxies []config.ProxyEntry
	for _, str := range proxyStrings {
		trimmedStr := strings.TrimSpace(str)
		if trimmedStr == "" {
			continue
		}
		entry, err := parseProxyString(trimmedStr)
		if err != nil {
			logger.Warnf("Skipping proxy '%s': %v", trimmedStr, err)
			continue
		}
		parsedProxies = append(parsedProxies, entry)
		logger.Debugf("Parsed proxy details: Scheme: %s, Host: %s, Username: %s", entry.Scheme, entry.Host, entry.Username)
	}

	if len(parsedProxies) == 0 {
		return nil, fmt.Errorf("proxy input '%s' provided, but no valid proxies could be parsed", proxyInput)
	}
	logger.Infof("Successfully parsed %d proxies.", len(parsedProxies))
	return parsedProxies, nil
}

func readProxyFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file '%s': %w", path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading proxy file '%s': %w", path, err)
	}
	return lines, nil
}

func parseProxyString(raw string) (config.ProxyEntry, error) {
	urlStr := raw
	if !strings.Contains(urlStr, "://") {
		urlStr = "http://" + urlStr // Prepend default scheme if not present for URL parser
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return config.ProxyEntry{}, fmt.Errorf("cannot parse as URL: %w", err)
	}
	switch parsedURL.Scheme {
	case "http", "https", "socks5":
	default:
		return config.ProxyEntry{}, fmt.Errorf("unsupported scheme %q", parsedURL.Scheme)
	}

	host, port := parsedURL.Hostname(), parsedURL.Port()
	if host == "" {
		return config.ProxyEntry{}, fmt.Errorf("empty host")
	}
	if port == "" {
		return config.ProxyEntry{}, fmt.Errorf("empty port")
	}

	entry := config.ProxyEntry{
		Scheme: parsedURL.Scheme,
		Host:   net.JoinHostPort(host, port),
	}
	canonical := url.URL{Scheme: entry.Scheme, Host: entry.Host}
	if parsedURL.User != nil {
		entry.Username = parsedURL.User.Username()
		entry.Password, _ = parsedURL.User.Password()
		canonical.User = url.User(entry.Username)
		if entry.Password != "" {
			canonical.User = url.UserPassword(entry.Username, entry.Password)
		}
	}
	entry.URL = canonical.String()
	return entry, nil
}
