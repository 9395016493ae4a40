package validate

import (
	"context"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"golang.org/x/net/idna"
)

// urlMeta are characters rejected anywhere in a URL
const urlMeta = ";|`$()"

var (
	reHostname  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	reTraversal = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e|%252e%252e|%5c)`)
)

var blockedNames = []string{"localhost", "localhost.localdomain", "ip6-localhost", "ip6-loopback"}

var blockedSuffixes = []string{".localhost", ".local", ".internal", ".home.arpa", ".lan"}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

var (
	nat64     = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour = netip.MustParsePrefix("2002::/16")
)

// url validates an absolute http(s) URL. When resolve is true, the host must
// resolve and every address must be a public unicast one. It returns the
// normalized URL and the host name.
func (v *Validator) url(ctx context.Context, path, raw string, resolve bool, verr *model.ValidationError) (string, string) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		verr.Add(path, "required", "is required")
		return "", ""
	case len(s) > v.limits.MaxURL:
		verr.Addf(path, "too_long", "must be at most %d bytes", v.limits.MaxURL)
		return "", ""
	case !utf8.ValidString(s):
		verr.Add(path, "invalid_encoding", "must be valid UTF-8")
		return "", ""
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f || unicode.IsControl(r) || unicode.IsSpace(r) {
			verr.Add(path, "control_character", "must not contain whitespace or control characters")
			return "", ""
		}
	}
	if strings.ContainsAny(s, urlMeta) {
		verr.Add(path, "metacharacter", "must not contain shell metacharacters")
		return "", ""
	}
	if reTraversal.MatchString(s) {
		verr.Add(path, "path_traversal", "must not contain path traversal sequences")
		return "", ""
	}

	u, err := url.Parse(s)
	if err != nil {
		verr.Add(path, "invalid_url", "is not a valid URL")
		return "", ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		verr.Add(path, "invalid_scheme", "scheme must be http or https")
		return "", ""
	}
	if u.Opaque != "" {
		verr.Add(path, "invalid_url", "must be an absolute URL")
		return "", ""
	}
	if u.User != nil {
		verr.Add(path, "userinfo", "must not contain credentials")
		return "", ""
	}
	// & is a query separator, anywhere else it is a metacharacter
	if strings.Contains(u.Host, "&") || strings.Contains(u.EscapedPath(), "&") || strings.Contains(u.RawPath, "&") {
		verr.Add(path, "metacharacter", "must not contain shell metacharacters")
		return "", ""
	}

	host, ok := v.hostname(path, u.Hostname(), verr)
	if !ok {
		return "", ""
	}
	if resolve && !v.publicHost(ctx, path, host, verr) {
		return "", ""
	}

	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())
	u.Fragment = ""
	u.RawFragment = ""
	normalized := u.String()
	if len(normalized) > v.limits.MaxURL {
		verr.Addf(path, "too_long", "must be at most %d bytes", v.limits.MaxURL)
		return "", ""
	}
	return normalized, host
}

// hostname lower cases and converts an IDN to its ASCII form
func (v *Validator) hostname(path, raw string, verr *model.ValidationError) (string, bool) {
	if raw == "" {
		verr.Add(path, "missing_host", "must contain a host")
		return "", false
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		if addr.Zone() != "" {
			verr.Add(path, "forbidden_address", "must not use a scoped address")
			return "", false
		}
		if !allowedAddr(addr) {
			verr.Add(path, "forbidden_address", "host is not a public address")
			return "", false
		}
		return addr.String(), true
	}

	host, err := idna.Lookup.ToASCII(strings.TrimSuffix(raw, "."))
	if err != nil {
		verr.Add(path, "invalid_host", "host is not a valid name")
		return "", false
	}
	host = strings.ToLower(host)
	if len(host) > 253 || !reHostname.MatchString(host) {
		verr.Add(path, "invalid_host", "host is not a valid name")
		return "", false
	}
	if !strings.Contains(host, ".") {
		verr.Add(path, "forbidden_address", "host must be a fully qualified name")
		return "", false
	}
	for _, name := range blockedNames {
		if host == name {
			verr.Add(path, "forbidden_address", "host is not a public address")
			return "", false
		}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			verr.Add(path, "forbidden_address", "host is not a public address")
			return "", false
		}
	}
	return host, true
}

func (v *Validator) publicHost(ctx context.Context, path, host string, verr *model.ValidationError) bool {
	if _, err := netip.ParseAddr(host); err == nil {
		// literal addresses are checked by hostname
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, v.limits.ResolveTimeout)
	defer cancel()
	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		verr.Add(path, "unresolvable", "host can't be resolved")
		return false
	}
	for _, addr := range addrs {
		if !allowedAddr(addr) {
			verr.Add(path, "forbidden_address", "host resolves to a non public address")
			return false
		}
	}
	return true
}

// allowedAddr reports whether addr is a public unicast address. IPv4
// addresses embedded in IPv6 forms are checked too.
func allowedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsUnspecified() ||
		addr.IsMulticast() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() {
		return false
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	if addr.Is6() {
		b := addr.As16()
		switch {
		case nat64.Contains(addr):
			return allowedAddr(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
		case sixToFour.Contains(addr):
			return allowedAddr(netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}))
		}
	}
	return true
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
