package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// clientIPContextKey is the context key for the caller's IP address
type clientIPContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx so facade checks can
// rate-limit and track it without widening their signatures.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the IP stored by WithClientIP, or ""
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey{}).(string); ok {
		return ip
	}
	return ""
}

// ProxyConfig describes the reverse proxies in front of the service.
type ProxyConfig struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing.
	// Only enable behind a reverse proxy you control.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies to skip from the right of
	// X-Forwarded-For. 0 is treated as 1.
	TrustedProxyCount int
}

// ClientIP extracts the client address of r.
//
// SECURITY: X-Forwarded-For is "client, proxy1, proxy2"; the rightmost entries were
// appended by proxies we trust, everything to their left is caller-controlled. The
// address is taken at len(ips)-TrustedProxyCount-1 so a spoofed leftmost entry is
// ignored whenever the header carries more hops than expected.
func (c ProxyConfig) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func forwardedFor(header string, trusted int) string {
	if header == "" {
		return ""
	}
	hops := strings.Split(header, ",")
	if trusted <= 0 {
		trusted = 1
	}
	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// IPClass is the routing scope of an address.
type IPClass int

const (
	IPClassPublic IPClass = iota
	IPClassLoopback
	IPClassPrivate
	IPClassLinkLocal
	IPClassUnspecified
)

func (c IPClass) String() string {
	switch c {
	case IPClassPublic:
		return "public"
	case IPClassLoopback:
		return "loopback"
	case IPClassPrivate:
		return "private"
	case IPClassLinkLocal:
		return "link_local"
	case IPClassUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the routing scope of ip. A nil ip is unspecified.
//
// Link-local covers 169.254.0.0/16, which includes cloud metadata endpoints.
func ClassifyIP(ip net.IP) IPClass {
	switch {
	case ip == nil || ip.IsUnspecified():
		return IPClassUnspecified
	case ip.IsLoopback():
		return IPClassLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return IPClassLinkLocal
	case ip.IsPrivate():
		return IPClassPrivate
	default:
		return IPClassPublic
	}
}

// InternalHost reports whether hostname (without port) is "localhost" or an IP
// literal outside the public range. Names that need DNS resolution are not
// considered internal.
func InternalHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ClassifyIP(ip) != IPClassPublic
	}
	return false
}
