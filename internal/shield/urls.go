package shield

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeScheme rejects URLs outside http/https.
var ErrUnsafeScheme = errors.New("shield: only http and https schemes are allowed")

// ErrSSRF rejects URLs that target a private or loopback address. Probe
// endpoints are derived from conversation ids arriving over the bus, so a
// crafted id must not be able to point a fetch at the local network.
var ErrSSRF = errors.New("shield: URL targets a private or loopback address")

// privateNets holds loopback, link-local and RFC 1918/4193 ranges.
var privateNets = mustCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic(fmt.Sprintf("shield: bad cidr %q: %v", b, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// ValidateURL checks that rawURL uses http/https, names a host, and does not
// point at a private or loopback address. Hostnames are resolved so internal
// names cannot slip past the literal-IP check; a DNS failure passes — the
// fetch will fail at connect time with a clearer error.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("shield: invalid URL: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("shield: URL %q has no host", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if privateIP(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && privateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

func privateIP(ip net.IP) bool {
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
