// Package weburl normalizes crawl URLs and guards the crawler against disallowed targets.
package weburl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// Normalize standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports and fragments,
// sorts query parameters and drops a trailing slash.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// NormalizeSeed forces a scheme onto operator input before normalizing it.
func NormalizeSeed(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("url is required: %w", knowledge.ErrInvalidInput)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	normalized, err := Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("normalize seed: %v: %w", err, knowledge.ErrInvalidInput)
	}
	u, _ := url.Parse(normalized)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: %w", u.Scheme, knowledge.ErrInvalidInput)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host: %w", rawURL, knowledge.ErrInvalidInput)
	}
	return normalized, nil
}

// Host returns the lowercase hostname of rawURL without a leading "www.".
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// SameSite reports whether both URLs share a host, treating "www." as equivalent.
func SameSite(a, b string) bool {
	ha, hb := Host(a), Host(b)
	return ha != "" && ha == hb
}
