package upstream

import (
	"fmt"
	"net"
	"net/url"
)

// ValidateEndpointURL checks that raw is an absolute HTTPS URL that does not point at a
// loopback, private or link-local address. Endpoint URLs come from configuration and
// from discovery documents, and both are followed with client credentials attached.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("URL must use HTTPS, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("URL must not point to loopback addresses")
		case ip.IsPrivate():
			return fmt.Errorf("URL must not point to private IP ranges")
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return fmt.Errorf("URL must not point to link-local addresses")
		case ip.IsUnspecified():
			return fmt.Errorf("URL must not point to an unspecified address")
		}
	}
	return nil
}
