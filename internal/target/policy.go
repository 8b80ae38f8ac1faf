// Package target validates caller-supplied relay destinations against the
// anti-SSRF address policy.
package target

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	"safe-relay-go/internal/model"
)

// ErrPolicyViolation is wrapped by every error the policy returns.
var ErrPolicyViolation = errors.New("policy violation")

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// blockedPrefixes are loopback, link-local, private and otherwise reserved
// ranges the relay never connects to.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

// Policy decides which destinations the relay may reach.
// A Policy is immutable and safe for concurrent use.
type Policy struct {
	allow []netip.Prefix
}

// NewPolicy returns a Policy blocking all reserved ranges except those
// covered by allow.
func NewPolicy(allow []netip.Prefix) *Policy {
	return &Policy{allow: append([]netip.Prefix(nil), allow...)}
}

// Validate parses raw and checks it against the policy. It performs no I/O;
// hostnames are checked again at dial time by Control.
func (p *Policy) Validate(raw string) (model.Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Target{}, violation("empty URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return model.Target{}, fmt.Errorf("%w: invalid URL: %v", ErrPolicyViolation, unwrapURLError(err))
	}
	if !u.IsAbs() || u.Host == "" {
		return model.Target{}, violation("URL must be absolute")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != schemeHTTP && scheme != schemeHTTPS {
		return model.Target{}, violation(fmt.Sprintf("scheme %q is not allowed (only http and https)", u.Scheme))
	}
	if u.User != nil {
		return model.Target{}, violation("URL must not contain credentials")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return model.Target{}, violation("URL has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return model.Target{}, violation(fmt.Sprintf("host %q is not allowed", host))
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := p.checkAddr(addr); err != nil {
			return model.Target{}, err
		}
	}

	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return model.Target{
		Scheme: scheme,
		Host:   host,
		URL:    u.String(),
	}, nil
}

// Control is a net.Dialer Control hook that rejects connections to blocked
// addresses after DNS resolution.
func (p *Policy) Control(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", ErrPolicyViolation, address)
	}
	return p.checkAddr(ap.Addr())
}

func (p *Policy) checkAddr(addr netip.Addr) error {
	addr = addr.Unmap().WithZone("")
	for _, prefix := range p.allow {
		if prefix.Contains(addr) {
			return nil
		}
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return fmt.Errorf("%w: address %s is in reserved range %s", ErrPolicyViolation, addr, prefix)
		}
	}
	return nil
}

func violation(msg string) error {
	return fmt.Errorf("%w: %s", ErrPolicyViolation, msg)
}

func joinHostPort(host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// unwrapURLError drops the "parse <url>:" prefix of a *url.Error.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}
