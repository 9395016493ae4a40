package ratelimit

import (
	"net/http"
	"net/netip"
	"slices"
	"strings"
)

// Identity returns the client identity of a request. Forwarding headers are
// honoured only when the peer is a trusted proxy. IPv6 clients are grouped
// by their /64 network.
func Identity(r *http.Request, trusted []netip.Prefix) string {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	var addr netip.Addr
	if err == nil {
		addr = peer.Addr()
	} else if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		addr = a
	} else {
		return "unknown"
	}
	addr = addr.Unmap().WithZone("")

	if isTrusted(addr, trusted) {
		if fwd, ok := forwarded(r.Header, trusted); ok {
			addr = fwd
		}
	}
	return Key(addr)
}

// Key is the identity of an address
func Key(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is6() {
		p, _ := addr.Prefix(64)
		return p.String()
	}
	return addr.String()
}

// forwarded returns the right most untrusted X-Forwarded-For address, or
// X-Real-IP when the former is absent.
func forwarded(h http.Header, trusted []netip.Prefix) (netip.Addr, bool) {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		for hop := range strings.SplitSeq(v, ",") {
			hops = append(hops, strings.TrimSpace(hop))
		}
	}
	for _, hop := range slices.Backward(hops) {
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return netip.Addr{}, false
		}
		addr = addr.Unmap()
		if !isTrusted(addr, trusted) {
			return addr, true
		}
	}
	if len(hops) > 0 {
		return netip.Addr{}, false
	}
	if v := strings.TrimSpace(h.Get("X-Real-IP")); v != "" {
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
