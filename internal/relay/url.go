package relay

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrInvalidURL = errors.New("invalid relay URL")

// Suffixes of names that never resolve to a public relay
var internalSuffixes = []string{".local", ".internal", ".onion", ".localhost"}

// NormalizeURL validates a relay address and returns its canonical form:
// lower-case scheme and host, port kept, trailing slash dropped.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, "://") != 1 || strings.ContainsAny(raw, " +") || strings.Contains(raw, "%20") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if len(host) < 3 || (!strings.Contains(host, ".") && !strings.Contains(host, ":") && host != "localhost") {
		return "", fmt.Errorf("%w: host %q", ErrInvalidURL, host)
	}

	out := scheme + "://"
	if strings.Contains(host, ":") {
		out += "[" + host + "]"
	} else {
		out += host
	}
	if port := u.Port(); port != "" {
		out += ":" + port
	}
	if p := strings.TrimSuffix(u.Path, "/"); p != "" {
		out += p
	}
	return out, nil
}

// safeDestination reports whether a normalized relay URL may be dialled.
// Loopback is allowed for development; private, link-local and internal
// names are not.
func safeDestination(relayURL string) bool {
	u, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return false
		}
	}

	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		ips, err = net.LookupIP(host)
		if err != nil {
			// Unresolvable now; the dialer will retry with backoff
			return true
		}
	}
	for _, ip := range ips {
		if !publicOrLoopback(ip) {
			return false
		}
	}
	return true
}

// publicOrLoopback rejects 10/8, 172.16/12, 192.168/16, link-local (which
// covers cloud metadata addresses), unspecified and multicast addresses
func publicOrLoopback(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	return !(ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast())
}
