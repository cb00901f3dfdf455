// SPDX-License-Identifier: MIT

// Package netutil extracts the real client address from HTTP requests.
package netutil

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/openclaw/clawd/internal/log"
)

// ParseProxyCIDRs parses a comma-separated CIDR list. Empty input yields
// an empty set, meaning X-Forwarded-For is never trusted.
func ParseProxyCIDRs(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("netutil: invalid trusted proxy CIDR %q: %w", part, err)
		}
		out = append(out, p)
	}
	return out, nil
}

var proxyWarnOnce sync.Once

// ClientIP returns the originating client address. The X-Forwarded-For
// header is honored only when the direct peer falls inside one of the
// trusted proxy prefixes; otherwise a spoofed header could bypass
// per-IP rate limits.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if len(trusted) == 0 {
		if forwarded != "" {
			proxyWarnOnce.Do(func() {
				lg := log.WithComponent("netutil")
				lg.Warn().
					Str("event", "netutil.forwarded_ignored").
					Str("direct_ip", direct).
					Msg("X-Forwarded-For seen but no trusted proxies configured; header ignored")
			})
		}
		return direct
	}

	addr, err := netip.ParseAddr(direct)
	if err != nil {
		return direct
	}
	for _, p := range trusted {
		if p.Contains(addr) {
			if forwarded != "" {
				first, _, _ := strings.Cut(forwarded, ",")
				if first = strings.TrimSpace(first); first != "" {
					return first
				}
			}
			return direct
		}
	}
	return direct
}
