package udpfetch

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeWhitelist allows only listed clients
	AccessListModeWhitelist
	// AccessListModeBlacklist blocks listed clients
	AccessListModeBlacklist
)

// String returns the mode name.
func (m AccessListMode) String() string {
	switch m {
	case AccessListModeDisabled:
		return "disabled"
	case AccessListModeWhitelist:
		return "whitelist"
	case AccessListModeBlacklist:
		return "blacklist"
	default:
		return "unknown"
	}
}

// AccessListConfig configures which clients a Responder answers.
// A SYN from a rejected address is ignored as if it was never received.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode

	// Prefixes lists client networks. A single host is a /32.
	Prefixes []netip.Prefix

	// DisableRejectLogging disables log warnings when clients are rejected
	DisableRejectLogging bool
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{Mode: AccessListModeDisabled}
}

// accessFilter implements address-based access filtering.
type accessFilter struct {
	config *AccessListConfig
}

// newAccessFilter creates a new access filter with the given config.
func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	return &accessFilter{config: config}
}

// IsAllowed reports whether a SYN from addr should be answered.
func (af *accessFilter) IsAllowed(addr netip.AddrPort) bool {
	if af.config.Mode == AccessListModeDisabled {
		return true
	}

	ip := addr.Addr().Unmap()
	inList := lo.ContainsBy(af.config.Prefixes, func(p netip.Prefix) bool {
		return p.Contains(ip)
	})

	switch af.config.Mode {
	case AccessListModeWhitelist:
		return inList
	case AccessListModeBlacklist:
		return !inList
	default:
		return true
	}
}

// CheckAndLog checks if a client is allowed and logs if rejected.
// Returns nil if allowed, or an error describing why rejected.
func (af *accessFilter) CheckAndLog(addr netip.AddrPort) error {
	if af.IsAllowed(addr) {
		return nil
	}

	reason := "client in blacklist"
	if af.config.Mode == AccessListModeWhitelist {
		reason = "client not in whitelist"
	}

	if !af.config.DisableRejectLogging {
		log.Warn().
			Str("client", addr.String()).
			Str("reason", reason).
			Msg("SYN rejected by access list")
	}

	return &AccessDeniedError{Addr: addr, Reason: reason}
}

// AccessDeniedError is returned when a client is rejected due to access list.
type AccessDeniedError struct {
	Addr   netip.AddrPort
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %s: %s", e.Addr, e.Reason)
}

// ParsePrefixList parses a comma or space-separated list of networks.
// Entries are CIDR prefixes ("10.0.0.0/24") or single addresses ("10.0.0.7").
func ParsePrefixList(list string) ([]netip.Prefix, error) {
	parts := strings.Fields(strings.ReplaceAll(list, ",", " "))

	prefixes := make([]netip.Prefix, 0, len(parts))
	for _, part := range parts {
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("%w: access list entry %q: %v", ErrInvalidConfig, part, err)
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("%w: access list entry %q: %v", ErrInvalidConfig, part, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
