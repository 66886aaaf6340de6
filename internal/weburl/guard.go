package weburl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// Resolver looks up host addresses; *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// GuardConfig configures which targets the crawler may reach.
type GuardConfig struct {
	AllowPrivateHosts bool
	BlockedDomains    []string
	Resolver          Resolver
}

// Guard rejects URLs the crawler must never fetch.
type Guard struct {
	allowPrivate bool
	blocklist    *domainPatternBlocklist
	resolver     Resolver
}

var carrierGradeNAT = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// NewGuard builds a Guard. A nil resolver uses net.DefaultResolver.
func NewGuard(cfg GuardConfig) *Guard {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{
		allowPrivate: cfg.AllowPrivateHosts,
		blocklist:    newDomainPatternBlocklist(cfg.BlockedDomains),
		resolver:     resolver,
	}
}

// Check validates scheme, host and resolved addresses. Failures wrap knowledge.ErrInvalidInput.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %v: %w", err, knowledge.ErrInvalidInput)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed: %w", u.Scheme, knowledge.ErrInvalidInput)
	}
	if u.User != nil {
		return fmt.Errorf("credentials in url are not allowed: %w", knowledge.ErrInvalidInput)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("url has no host: %w", knowledge.ErrInvalidInput)
	}
	if g.blocklist.IsBlocked(host) {
		return fmt.Errorf("host %q is blocked: %w", host, knowledge.ErrInvalidInput)
	}
	if g.allowPrivate {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("host %q is local: %w", host, knowledge.ErrInvalidInput)
	}
	if ip := net.ParseIP(host); ip != nil {
		if disallowedIP(ip) {
			return fmt.Errorf("address %s is not public: %w", ip, knowledge.ErrInvalidInput)
		}
		return nil
	}
	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %q: %v: %w", host, err, knowledge.ErrInvalidInput)
	}
	for _, addr := range addrs {
		if disallowedIP(addr.IP) {
			return fmt.Errorf("host %q resolves to non-public address %s: %w", host, addr.IP, knowledge.ErrInvalidInput)
		}
	}
	return nil
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		carrierGradeNAT.Contains(ip)
}
