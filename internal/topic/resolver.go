// Package topic maps router and peer identity onto Kafka topic names via
// configurable templates and group-matching rules.
package topic

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Template placeholders.
const (
	phCollectorGroup = "{{collector_group}}"
	phCollectorName  = "{{collector_name}}"
	phRouterGroup    = "{{router_group}}"
	phRouterHostname = "{{router_hostname}}"
	phRouterIP       = "{{router_ip}}"
	phPeerGroup      = "{{peer_group}}"
	phPeerASN        = "{{peer_asn}}"
	phPeerIP         = "{{peer_ip}}"
)

// ResolveFunc turns an IP literal into a hostname. Implementations must
// return an error (not an empty string) on failure; the resolver then falls
// back to the IP literal.
type ResolveFunc func(ip string) (string, error)

// defaultResolve does a reverse DNS lookup.
func defaultResolve(ip string) (string, error) {
	names, err := net.LookupAddr(ip)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", &net.DNSError{Err: "no PTR record", Name: ip}
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// Config parameterizes a Resolver.
type Config struct {
	CollectorName  string
	CollectorGroup string

	CollectorTemplate string
	RouterTemplate    string
	RawBMPTemplate    string

	RouterGroups *Matcher
	PeerGroups   *Matcher

	// Resolve overrides reverse DNS, mainly for tests. nil = net.LookupAddr.
	Resolve ResolveFunc
}

// Resolver is the process-wide topic resolver. The collector topic is
// computed once at construction; router and raw-bmp topics are computed per
// connection via Router scopes.
type Resolver struct {
	cfg Config

	collectorTopic string
	// router/raw templates with the collector placeholders pre-substituted
	routerTemplate string
	rawTemplate    string

	rawNeedsPeerGroup bool
	resolve           ResolveFunc
}

// NewResolver builds a Resolver from validated config.
func NewResolver(cfg Config) *Resolver {
	collectorSub := strings.NewReplacer(
		phCollectorGroup, cfg.CollectorGroup,
		phCollectorName, cfg.CollectorName,
	)

	r := &Resolver{
		cfg:            cfg,
		collectorTopic: collectorSub.Replace(cfg.CollectorTemplate),
		routerTemplate: collectorSub.Replace(cfg.RouterTemplate),
		rawTemplate:    collectorSub.Replace(cfg.RawBMPTemplate),
		resolve:        cfg.Resolve,
	}
	r.rawNeedsPeerGroup = strings.Contains(r.rawTemplate, phPeerGroup)
	if r.resolve == nil {
		r.resolve = defaultResolve
	}
	return r
}

// CollectorTopic returns the fixed collector-record topic.
func (r *Resolver) CollectorTopic() string { return r.collectorTopic }

// Router opens a per-connection scope for the given router source IP. All
// lookups inside the scope are memoized for the life of the worker.
func (r *Resolver) Router(routerIP netip.Addr) *Router {
	ipStr := routerIP.Unmap().String()
	hostname := r.lookupHostname(ipStr)
	group := r.cfg.RouterGroups.Match(hostname, routerIP, 0)

	routerSub := strings.NewReplacer(
		phRouterGroup, group,
		phRouterHostname, hostname,
		phRouterIP, ipStr,
	)

	return &Router{
		resolver:    r,
		ip:          routerIP,
		ipStr:       ipStr,
		hostname:    hostname,
		group:       group,
		routerTopic: routerSub.Replace(r.routerTemplate),
		rawTemplate: routerSub.Replace(r.rawTemplate),
		rawTopics:   make(map[peerKey]string),
		peerHosts:   make(map[string]string),
	}
}

// lookupHostname resolves once, falling back to the IP literal.
func (r *Resolver) lookupHostname(ip string) string {
	if ip == "" {
		return ""
	}
	name, err := r.resolve(ip)
	if err != nil || name == "" {
		return ip
	}
	return name
}

type peerKey struct {
	ip  string
	asn uint32
}

// Router is the per-connection scope: fixed router identity, memoized
// raw-bmp topics and peer hostname lookups. It is confined to the worker's
// framer goroutine and needs no locking.
type Router struct {
	resolver *Resolver

	ip       netip.Addr
	ipStr    string
	hostname string
	group    string

	routerTopic string
	rawTemplate string

	rawTopics map[peerKey]string
	peerHosts map[string]string
}

// IPString returns the canonical printed router IP.
func (s *Router) IPString() string { return s.ipStr }

// Hostname returns the resolved router hostname (IP literal on DNS failure).
func (s *Router) Hostname() string { return s.hostname }

// Group returns the matched router group.
func (s *Router) Group() string { return s.group }

// RouterTopic returns the per-router topic, computed once per scope.
func (s *Router) RouterTopic() string { return s.routerTopic }

// RawBMPTopic returns the raw-bmp topic for a peer, memoized per
// (peer_ip, peer_asn). Messages without a per-peer header (Initiation,
// Termination) pass the zero Addr and substitute empty peer fields.
func (s *Router) RawBMPTopic(peerIP netip.Addr, peerASN uint32) string {
	var ipStr string
	if peerIP.IsValid() {
		ipStr = peerIP.Unmap().String()
	}
	key := peerKey{ip: ipStr, asn: peerASN}
	if topic, ok := s.rawTopics[key]; ok {
		return topic
	}

	topic := s.rawTemplate
	if s.resolver.rawNeedsPeerGroup {
		group := s.resolver.cfg.PeerGroups.Match(s.peerHostname(ipStr), peerIP, peerASN)
		topic = strings.ReplaceAll(topic, phPeerGroup, group)
	}
	topic = strings.ReplaceAll(topic, phPeerASN, strconv.FormatUint(uint64(peerASN), 10))
	topic = strings.ReplaceAll(topic, phPeerIP, ipStr)

	s.rawTopics[key] = topic
	return topic
}

// peerHostname resolves a peer IP at most once per scope.
func (s *Router) peerHostname(ip string) string {
	if name, ok := s.peerHosts[ip]; ok {
		return name
	}
	name := s.resolver.lookupHostname(ip)
	s.peerHosts[ip] = name
	return name
}
