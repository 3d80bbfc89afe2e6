// Package guard validates inbound imaging requests against the configured
// network allowlist and shared secret. It has no side effects and must run
// before any job state is touched.
package guard

import (
	"crypto/subtle"
	"fmt"
	"net/netip"
	"strings"
)

// DeniedError describes why a request was rejected.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "request denied: " + e.Reason
}

// Guard holds the immutable allowlist and shared secret for one process run.
type Guard struct {
	prefixes []netip.Prefix
	secret   []byte
}

// New parses the allowlist entries (exact IPs or CIDR ranges) and builds a
// guard. Invalid entries fail construction so misconfiguration is caught at
// startup rather than at request time.
func New(allowedEntries []string, sharedSecret string) (*Guard, error) {
	if sharedSecret == "" {
		return nil, fmt.Errorf("shared secret must not be empty")
	}

	prefixes := make([]netip.Prefix, 0, len(allowedEntries))
	for _, entry := range allowedEntries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist CIDR %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist address %q: %w", entry, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	if len(prefixes) == 0 {
		return nil, fmt.Errorf("allowlist must contain at least one entry")
	}

	return &Guard{prefixes: prefixes, secret: []byte(sharedSecret)}, nil
}

// Check returns nil when sourceIP matches an allowlist entry and the token
// equals the shared secret. The token comparison is constant-time.
func (g *Guard) Check(sourceIP, token string) error {
	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return &DeniedError{Reason: fmt.Sprintf("unparseable source address %q", sourceIP)}
	}
	addr = addr.Unmap()

	allowed := false
	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &DeniedError{Reason: fmt.Sprintf("source address %s not in allowlist", addr)}
	}

	if subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		return &DeniedError{Reason: "invalid token"}
	}

	return nil
}
