package mcptools

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// defaultBlockedCIDRs is the default set of address ranges WebFetch refuses
// to connect to, regardless of how the hostname resolved.
var defaultBlockedCIDRs = []string{
	// IPv4
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	// IPv6
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"2001:db8::/32",
}

var defaultAllowedPorts = map[int]bool{80: true, 443: true}

const insecureOverridesEnv = "FORGE_WEBFETCH_ALLOW_INSECURE_OVERRIDES"

// ssrfGuard validates URLs and pins DNS resolutions before a WebFetch
// request is sent, blocking requests into private, loopback, link-local,
// or otherwise internal address space.
type ssrfGuard struct {
	blocked                []*net.IPNet
	allowedPorts           map[int]bool
	allowInsecureOverrides bool
	maxDNSAttempts         int
	resolver               func(ctx context.Context, host string) ([]net.IP, error)
}

func newSSRFGuard() *ssrfGuard {
	var nets []*net.IPNet
	for _, cidr := range defaultBlockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return &ssrfGuard{
		blocked:                nets,
		allowedPorts:           defaultAllowedPorts,
		allowInsecureOverrides: os.Getenv(insecureOverridesEnv) == "1",
		maxDNSAttempts:         4,
		resolver:               defaultResolve,
	}
}

func defaultResolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// validate parses and validates rawURL, returning the parsed URL and the
// resolved, SSRF-checked IP addresses it is allowed to connect to.
func (g *ssrfGuard) validate(ctx context.Context, rawURL string) (*url.URL, []net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("scheme %q not allowed; only http and https are supported", u.Scheme)
	}

	if u.User != nil {
		return nil, nil, fmt.Errorf("userinfo not allowed in URL")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return nil, nil, fmt.Errorf("URL has no host")
	}
	if strings.Contains(hostname, "%") {
		return nil, nil, fmt.Errorf("IPv6 zone identifiers are not allowed")
	}

	port := portForURL(u)

	if ip := net.ParseIP(hostname); ip != nil {
		if !isCanonicalIPLiteral(hostname, ip) {
			return nil, nil, fmt.Errorf("non-canonical numeric host %q", hostname)
		}
		if reason := g.checkBlocked(ip); reason != "" {
			return nil, nil, fmt.Errorf("connection to %s blocked by %s", ip, reason)
		}
		if !g.portAllowed(port, []net.IP{ip}) {
			return nil, nil, fmt.Errorf("port %d is not allowed", port)
		}
		return u, []net.IP{ip}, nil
	}

	ips, err := g.resolveAndFilter(ctx, hostname)
	if err != nil {
		return nil, nil, err
	}
	if !g.portAllowed(port, ips) {
		return nil, nil, fmt.Errorf("port %d is not allowed", port)
	}
	return u, ips, nil
}

func portForURL(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// isCanonicalIPLiteral rejects non-canonical numeric forms (leading zeros,
// octal/hex octets, short forms) that some resolvers normalize differently
// than Go's net.ParseIP, closing a parser-confusion gap.
func isCanonicalIPLiteral(raw string, ip net.IP) bool {
	if ip.To4() == nil {
		return true // IPv6 literals are always bracketed and unambiguous here
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

func (g *ssrfGuard) resolveAndFilter(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := g.resolver(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns lookup returned no addresses for %q", host)
	}

	var allowed []net.IP
	var firstBlockedReason string
	for _, ip := range ips {
		if reason := g.checkBlocked(ip); reason != "" {
			if firstBlockedReason == "" {
				firstBlockedReason = reason
			}
			continue
		}
		allowed = append(allowed, ip)
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("connection to %s blocked by %s", host, firstBlockedReason)
	}
	return allowed, nil
}

// checkBlocked returns the matching CIDR text if ip is blocked, or "" if
// it's allowed. Loopback addresses are exempted when insecure overrides
// are enabled; every other blocked range still applies regardless.
func (g *ssrfGuard) checkBlocked(ip net.IP) string {
	if g.allowInsecureOverrides && ip.IsLoopback() {
		return ""
	}
	mapped := ip
	if v4 := ip.To4(); v4 != nil {
		mapped = v4
	}
	for _, n := range g.blocked {
		if n.Contains(mapped) {
			return n.String()
		}
	}
	return ""
}

// portAllowed reports whether port may be connected to. With insecure
// overrides enabled, non-default ports are additionally allowed but only
// when every candidate IP is a loopback address.
func (g *ssrfGuard) portAllowed(port int, ips []net.IP) bool {
	if g.allowedPorts[port] {
		return true
	}
	if !g.allowInsecureOverrides || len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return false
		}
	}
	return true
}

// pinnedClient builds an *http.Client whose dialer is pinned to the given
// IP address, preventing DNS-rebinding between validation and connection.
// The request's Host header and TLS SNI still come from the URL itself;
// only the socket destination is pinned.
func pinnedClient(ip net.IP, port int, timeout time.Duration) *http.Client {
	pinnedAddr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinnedAddr)
		},
		TLSHandshakeTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
