package topic

import (
	"fmt"
	"net/netip"
	"regexp"
)

// DefaultGroup is assigned when no rule matches.
const DefaultGroup = "default"

// GroupRule is one named group with its matching rules, in config order.
type GroupRule struct {
	Name      string
	Hostnames []*regexp.Regexp
	Prefixes  []netip.Prefix
	ASNs      []uint32 // peer groups only
}

// Matcher evaluates an ordered list of group rules. Evaluation passes:
// hostname regexps first, then prefix ranges, then ASNs, first match wins
// within each pass.
type Matcher struct {
	rules []GroupRule
}

// NewMatcher compiles raw grouping config into a Matcher. Regexps are
// compiled case-insensitive; a compilation failure is a configuration error.
func NewMatcher(raw []RawGroup) (*Matcher, error) {
	m := &Matcher{}
	for _, g := range raw {
		if g.Name == "" {
			return nil, fmt.Errorf("topic: group with empty name")
		}
		rule := GroupRule{Name: g.Name, ASNs: g.ASNs}
		for _, expr := range g.RegexpHostname {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, fmt.Errorf("topic: group %s: bad hostname regexp %q: %w", g.Name, expr, err)
			}
			rule.Hostnames = append(rule.Hostnames, re)
		}
		for _, cidr := range g.PrefixRange {
			p, err := netip.ParsePrefix(cidr)
			if err != nil {
				return nil, fmt.Errorf("topic: group %s: bad prefix range %q: %w", g.Name, cidr, err)
			}
			rule.Prefixes = append(rule.Prefixes, p.Masked())
		}
		m.rules = append(m.rules, rule)
	}
	return m, nil
}

// RawGroup is the grouping config shape as it appears in YAML.
type RawGroup struct {
	Name           string   `koanf:"name"`
	RegexpHostname []string `koanf:"regexp_hostname"`
	PrefixRange    []string `koanf:"prefix_range"`
	ASNs           []uint32 `koanf:"asn"`
}

// Match returns the group for the given identity, or DefaultGroup. asn is
// ignored for matchers whose rules carry no ASN lists (router groups).
func (m *Matcher) Match(hostname string, ip netip.Addr, asn uint32) string {
	if m == nil {
		return DefaultGroup
	}

	if hostname != "" {
		for _, r := range m.rules {
			for _, re := range r.Hostnames {
				if re.MatchString(hostname) {
					return r.Name
				}
			}
		}
	}

	if ip.IsValid() {
		ip = ip.Unmap()
		for _, r := range m.rules {
			for _, p := range r.Prefixes {
				if p.Contains(ip) {
					return r.Name
				}
			}
		}
	}

	for _, r := range m.rules {
		for _, a := range r.ASNs {
			if a == asn {
				return r.Name
			}
		}
	}

	return DefaultGroup
}
