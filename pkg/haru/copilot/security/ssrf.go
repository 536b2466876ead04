// Package security holds network-safety checks for tools that reach out to
// user-supplied URLs. Every URL-accessing tool must pass its target through
// the SSRF guard before any network I/O.
package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// blockedHostnames are rejected outright, before DNS. Cloud metadata
// endpoints live here because they leak credentials when reachable.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"169.254.169.254":          true,
	"0.0.0.0":                  true,
}

// blockedSuffixes reject whole private naming zones.
var blockedSuffixes = []string{".local", ".internal", ".localhost"}

// Guard validates outbound URLs against SSRF: private, loopback,
// link-local, and metadata targets are rejected. Resolution happens before
// the check so DNS rebinding to a private address is caught.
type Guard struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewGuard creates an SSRF guard using the system resolver.
func NewGuard() *Guard {
	return &Guard{
		resolver: net.DefaultResolver,
		timeout:  5 * time.Second,
	}
}

// CheckURL returns nil when the URL is safe to fetch. Any error means the
// caller must not perform the request.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed, only http/https", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if blockedHostnames[host] {
		return fmt.Errorf("host %q is blocked", host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("host %q is in a blocked private zone", host)
		}
	}

	// Literal IP: check it directly. Dotted-decimal IPv4 is validated
	// strictly so octal/hex/packed spellings (0177.0.0.1, 0x7f000001,
	// 2130706433) cannot sneak past as hostnames and resolve to loopback.
	if ip := net.ParseIP(host); ip != nil {
		return g.checkIP(ip)
	}
	if looksNumericIPv4(host) {
		return fmt.Errorf("host %q is a non-canonical IPv4 spelling", host)
	}

	// Hostname: resolve first, then check every address it maps to.
	resolveCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	addrs, err := g.resolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("host %q resolves to no addresses", host)
	}
	for _, addr := range addrs {
		if err := g.checkIP(addr.IP); err != nil {
			return fmt.Errorf("host %q: %w", host, err)
		}
	}
	return nil
}

// looksNumericIPv4 reports whether host is made only of digits, dots, and
// hex prefixes — a numeric spelling that net.ParseIP did not accept as
// canonical dotted-decimal.
func looksNumericIPv4(host string) bool {
	if host == "" {
		return false
	}
	for _, part := range strings.Split(host, ".") {
		if part == "" {
			return false
		}
		if strings.HasPrefix(part, "0x") || strings.HasPrefix(part, "0X") {
			if _, err := strconv.ParseUint(part[2:], 16, 64); err == nil {
				continue
			}
			return false
		}
		if _, err := strconv.ParseUint(part, 10, 64); err != nil {
			return false
		}
	}
	return true
}

// checkIP rejects loopback, private, link-local, unspecified, and
// metadata addresses, for both IPv4 and IPv6 (including IPv4 addresses
// embedded in IPv6 transition forms).
func (g *Guard) checkIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("nil IP")
	}
	if v4 := ip.To4(); v4 != nil {
		return checkIPv4(v4)
	}
	return checkIPv6(ip)
}

func checkIPv4(ip net.IP) error {
	switch {
	case ip[0] == 127:
		return fmt.Errorf("loopback address %s blocked", ip)
	case ip[0] == 10:
		return fmt.Errorf("private address %s blocked", ip)
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return fmt.Errorf("private address %s blocked", ip)
	case ip[0] == 192 && ip[1] == 168:
		return fmt.Errorf("private address %s blocked", ip)
	case ip[0] == 169 && ip[1] == 254:
		return fmt.Errorf("link-local address %s blocked", ip)
	case ip[0] == 0:
		return fmt.Errorf("unspecified address %s blocked", ip)
	}
	return nil
}

func checkIPv6(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s blocked", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s blocked", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s blocked", ip)
	case ip.IsPrivate(): // fc00::/7 unique local
		return fmt.Errorf("unique-local address %s blocked", ip)
	}
	// Transition mechanisms can smuggle an IPv4 target inside an IPv6
	// address; extract and re-check it.
	if v4 := embeddedIPv4(ip); v4 != nil {
		if err := checkIPv4(v4); err != nil {
			return fmt.Errorf("embedded IPv4: %w", err)
		}
	}
	return nil
}

// embeddedIPv4 pulls the IPv4 address out of known IPv6 transition forms:
// IPv4-mapped (::ffff:a.b.c.d), NAT64 (64:ff9b::/96), 6to4 (2002::/16),
// and Teredo (2001:0::/32, address stored inverted in the last 4 bytes).
func embeddedIPv4(ip net.IP) net.IP {
	v6 := ip.To16()
	if v6 == nil {
		return nil
	}
	// IPv4-mapped is already handled by To4, but keep it for callers
	// passing the raw 16-byte form.
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	// NAT64 well-known prefix 64:ff9b::/96.
	if v6[0] == 0x00 && v6[1] == 0x64 && v6[2] == 0xff && v6[3] == 0x9b {
		return net.IPv4(v6[12], v6[13], v6[14], v6[15]).To4()
	}
	// 6to4: 2002:AABB:CCDD::/48 embeds A.B.C.D in bytes 2..5.
	if v6[0] == 0x20 && v6[1] == 0x02 {
		return net.IPv4(v6[2], v6[3], v6[4], v6[5]).To4()
	}
	// Teredo: 2001:0000::/32 embeds the server in bytes 4..7 and the
	// client, bit-inverted, in bytes 12..15.
	if v6[0] == 0x20 && v6[1] == 0x01 && v6[2] == 0x00 && v6[3] == 0x00 {
		return net.IPv4(^v6[12], ^v6[13], ^v6[14], ^v6[15]).To4()
	}
	return nil
}
