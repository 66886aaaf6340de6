package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// pathFilter applies include/exclude path patterns. A pattern containing
// glob metacharacters is matched with path.Match; anything else is a prefix.
type pathFilter struct {
	include []string
	exclude []string
}

// ValidatePolicy rejects include/exclude patterns that cannot be compiled.
// Failures wrap knowledge.ErrInvalidInput.
func ValidatePolicy(policy knowledge.CrawlPolicy) error {
	_, err := newPathFilter(policy.IncludePaths, policy.ExcludePaths)
	return err
}

func newPathFilter(include, exclude []string) (pathFilter, error) {
	f := pathFilter{}
	var err error
	if f.include, err = cleanPatterns(include); err != nil {
		return pathFilter{}, err
	}
	if f.exclude, err = cleanPatterns(exclude); err != nil {
		return pathFilter{}, err
	}
	return f, nil
}

func cleanPatterns(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if _, err := path.Match(p, "/"); err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", p, knowledge.ErrInvalidInput)
		}
		out = append(out, p)
	}
	return out, nil
}

func (f pathFilter) allows(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, pattern := range f.exclude {
		if matchPath(pattern, p) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if matchPath(pattern, p) {
			return true
		}
	}
	return false
}

func matchPath(pattern, p string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, _ := path.Match(pattern, p)
		return ok
	}
	prefix := strings.TrimSuffix(pattern, "/")
	return prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/")
}
