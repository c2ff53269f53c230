// Package urlsafety implements the SSRF-safe URL acceptance predicate the
// Scraper Tool enforces before any navigation, plus the canonicalization
// used to dedupe search results by the resource they actually point at.
package urlsafety

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

const maxURLLength = 2048

// ErrUnsafeURL is returned when a URL fails the SSRF predicate.
type ErrUnsafeURL struct {
	URL    string
	Reason string
}

func (e *ErrUnsafeURL) Error() string {
	return fmt.Sprintf("unsafe url %q: %s", e.URL, e.Reason)
}

var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
}

const awsMetadataIP = "169.254.169.254"

var blockedCIDRs = mustParseCIDRs(
	"127.0.0.0/8",
	"0.0.0.0/32",
	"169.254.0.0/16",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// resolveHost is overridable in tests so the SSRF predicate can be verified
// without touching a real resolver.
var resolveHost = func(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(host)
}

// Validate applies the SSRF predicate to raw. A violation is returned as
// *ErrUnsafeURL.
func Validate(raw string) error {
	if len(raw) > maxURLLength {
		return &ErrUnsafeURL{URL: raw, Reason: fmt.Sprintf("exceeds maximum length of %d characters", maxURLLength)}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return &ErrUnsafeURL{URL: raw, Reason: "invalid URL format"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return &ErrUnsafeURL{URL: raw, Reason: fmt.Sprintf("scheme must be http or https, got %q", parsed.Scheme)}
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return &ErrUnsafeURL{URL: raw, Reason: "missing host"}
	}
	if _, blocked := blockedHostnames[host]; blocked {
		return &ErrUnsafeURL{URL: raw, Reason: fmt.Sprintf("access to %q is not allowed", host)}
	}
	if host == awsMetadataIP {
		return &ErrUnsafeURL{URL: raw, Reason: "access to the cloud metadata service is not allowed"}
	}

	ips, err := resolveHost(host)
	if err != nil {
		return &ErrUnsafeURL{URL: raw, Reason: fmt.Sprintf("could not resolve host: %v", err)}
	}
	for _, ip := range ips {
		for _, blockedNet := range blockedCIDRs {
			if blockedNet.Contains(ip) {
				return &ErrUnsafeURL{URL: raw, Reason: fmt.Sprintf("host resolves to blocked range %s", blockedNet.String())}
			}
		}
	}

	return nil
}

var trackingQueryParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"gclid": {}, "dclid": {}, "fbclid": {}, "msclkid": {}, "igshid": {},
}

// Canonical normalizes raw for deduplication: lowercases scheme/host, strips
// default ports, strips tracking query parameters, and sorts the remaining
// query parameters deterministically.
func Canonical(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + strings.TrimPrefix(trimmed, "//")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	hostport := host
	if port != "" {
		hostport = host + ":" + port
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	query := parsed.Query()
	for k := range query {
		if _, tracked := trackingQueryParams[strings.ToLower(k)]; tracked {
			query.Del(k)
		}
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qsParts []string
	for _, k := range keys {
		vals := query[k]
		sort.Strings(vals)
		for _, v := range vals {
			qsParts = append(qsParts, k+"="+v)
		}
	}

	canon := scheme + "://" + hostport + path
	if len(qsParts) > 0 {
		canon += "?" + strings.Join(qsParts, "&")
	}
	return canon, nil
}

// Fingerprint returns a SHA-256 hex digest of the canonical form of raw,
// used as the dedupe key for search_prices results.
func Fingerprint(raw string) (string, error) {
	canon, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}
