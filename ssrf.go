package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy is the static part of the guard: host names, suffixes and address
// ranges that must never be reached.
type Policy struct {
	BlockedHosts    []string
	BlockedSuffixes []string
	BlockedPrefixes []netip.Prefix
}

var defaultBlockedCIDRs = []string{
	// IPv4
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16", // link-local, cloud metadata
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	// IPv6
	"::/128",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
}

// DefaultPolicy returns the policy used in production.
func DefaultPolicy() Policy {
	p := Policy{
		BlockedHosts:    []string{"localhost", "0.0.0.0", "::1"},
		BlockedSuffixes: []string{".local", ".internal", ".corp", ".localhost"},
	}
	for _, cidr := range defaultBlockedCIDRs {
		p.BlockedPrefixes = append(p.BlockedPrefixes, netip.MustParsePrefix(cidr))
	}
	return p
}

// Decision is the outcome of validating one URL. The zero value denies.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Err returns nil for an allowed decision and an ErrSSRFBlocked wrapper
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSSRFBlocked, d.Reason)
}

// Guard decides whether an outbound URL may be fetched. Decisions are never
// cached; every call resolves DNS again.
type Guard struct {
	hosts    map[string]struct{}
	suffixes []string
	prefixes []netip.Prefix
	resolver Resolver
}

// NewGuard builds a guard for p. A nil resolver uses net.DefaultResolver.
func NewGuard(p Policy, r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	g := &Guard{
		hosts:    make(map[string]struct{}, len(p.BlockedHosts)),
		suffixes: make([]string, 0, len(p.BlockedSuffixes)),
		prefixes: append([]netip.Prefix(nil), p.BlockedPrefixes...),
		resolver: r,
	}
	for _, h := range p.BlockedHosts {
		g.hosts[strings.ToLower(h)] = struct{}{}
	}
	for _, s := range p.BlockedSuffixes {
		g.suffixes = append(g.suffixes, strings.ToLower(s))
	}
	return g
}

// ValidateURL parses raw and validates it.
func (g *Guard) ValidateURL(ctx context.Context, raw string) Decision {
	u, err := url.Parse(raw)
	if err != nil {
		return deny("unparseable url")
	}
	return g.Validate(ctx, u)
}

// Validate checks scheme, host name rules and every address the host
// resolves to.
func (g *Guard) Validate(ctx context.Context, u *url.URL) Decision {
	if u == nil {
		return deny("missing url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return deny("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return deny("userinfo not allowed")
	}
	return g.ValidateHost(ctx, u.Hostname())
}

// ValidateHost applies the host rules to a bare hostname or IP literal.
func (g *Guard) ValidateHost(ctx context.Context, host string) Decision {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return deny("empty host")
	}
	if _, ok := g.hosts[host]; ok {
		return deny("host %q is blocked", host)
	}
	for _, s := range g.suffixes {
		if strings.HasSuffix(host, s) {
			return deny("host %q has blocked suffix %q", host, s)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if g.blockedAddr(addr) {
			return deny("address %s is in a blocked range", addr)
		}
		return allow()
	}
	// Shorthand IPv4 forms such as "2130706433" or "0x7f.1" are resolved by
	// some stacks as addresses. No public TLD is numeric.
	if numericLastLabel(host) {
		return deny("host %q is a non-canonical address", host)
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return deny("resolve %q: %v", host, err)
	}
	if len(addrs) == 0 {
		return deny("host %q resolved to no addresses", host)
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return deny("host %q resolved to an invalid address", host)
		}
		if g.blockedAddr(addr) {
			return deny("host %q resolves to blocked address %s", host, addr.Unmap())
		}
	}
	return allow()
}

func (g *Guard) blockedAddr(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	if !addr.IsValid() {
		return true
	}
	if g.inBlockedPrefix(addr) {
		return true
	}
	// NAT64 (64:ff9b::/96) carries an IPv4 address in its low 32 bits.
	if addr.Is6() && nat64Prefix.Contains(addr) {
		b := addr.As16()
		return g.inBlockedPrefix(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}
	return false
}

func (g *Guard) inBlockedPrefix(addr netip.Addr) bool {
	for _, p := range g.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")

func numericLastLabel(host string) bool {
	label := host
	if i := strings.LastIndexByte(host, '.'); i >= 0 {
		label = host[i+1:]
	}
	if label == "" {
		return false
	}
	if strings.HasPrefix(label, "0x") {
		return true
	}
	for _, c := range label {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// DialContext wraps d so that the address actually dialed is re-checked
// against the guard. The checked IP is dialed directly, which closes the gap
// between validation and connection that DNS rebinding would exploit.
func (g *Guard) DialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		if ip, err := netip.ParseAddr(host); err == nil {
			if g.blockedAddr(ip) {
				return nil, fmt.Errorf("%w: dial to %s", ErrSSRFBlocked, ip)
			}
			return d.DialContext(ctx, network, addr)
		}

		if dec := g.ValidateHost(ctx, host); !dec.Allowed {
			return nil, dec.Err()
		}
		addrs, err := g.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}

		var lastErr error
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok || g.blockedAddr(ip) {
				return nil, fmt.Errorf("%w: %s changed resolution", ErrSSRFBlocked, host)
			}
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = errors.New("no addresses to dial")
		}
		return nil, lastErr
	}
}
