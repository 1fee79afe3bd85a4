package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint marks an outbound URL that points into the
// deployment's own network.
var ErrBlockedEndpoint = errors.New("endpoint address not allowed")

// Hostnames that bypass IP checks entirely. Cloud metadata services
// are the classic SSRF target for a server that posts webhooks out.
var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
}

// ValidateEndpointURL vets a URL the engine will POST to, such as the
// notification sink. It rejects loopback, private, link-local, and
// unspecified addresses, checking both IP literals and every address
// the hostname resolves to.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason, bad := ipBlocked(ip); bad {
			return fmt.Errorf("%w: %s", ErrBlockedEndpoint, reason)
		}
		return nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if reason, bad := ipBlocked(ip); bad {
				return fmt.Errorf("%w: host %q resolves to %s address", ErrBlockedEndpoint, host, reason)
			}
		}
	}
	return nil
}

func ipBlocked(ip net.IP) (string, bool) {
	switch {
	case ip.IsLoopback():
		return "loopback", true
	case ip.IsPrivate():
		return "private", true
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local", true
	case ip.IsUnspecified():
		return "unspecified", true
	}
	return "", false
}
