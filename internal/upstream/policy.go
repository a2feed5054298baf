// SPDX-License-Identifier: MIT

package upstream

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Policy restricts which origins procedures may be bound to. An empty
// policy (no hosts, no CIDRs) trusts the operator's config and admits any
// host; schemes always apply and default to http/https.
type Policy struct {
	Hosts   []string
	CIDRs   []string
	Schemes []string
}

// compiledPolicy is a Policy with hosts normalized and CIDRs parsed,
// ready for matching.
type compiledPolicy struct {
	hosts   map[string]struct{}
	cidrs   []*net.IPNet
	schemes []string
	open    bool
}

// compile normalizes the allowlist once so endpoint checks are cheap and
// bad entries fail loudly at load time.
func (p Policy) compile() (*compiledPolicy, error) {
	cp := &compiledPolicy{
		hosts:   make(map[string]struct{}),
		schemes: p.Schemes,
	}
	if len(cp.schemes) == 0 {
		cp.schemes = []string{"http", "https"}
	}

	for _, raw := range p.Hosts {
		host, err := NormalizeHost(raw)
		if err != nil {
			return nil, fmt.Errorf("allow_hosts: %w", err)
		}
		cp.hosts[host] = struct{}{}
	}

	for _, entry := range p.CIDRs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ip, ipnet, err := net.ParseCIDR(entry)
		if err == nil {
			ipnet.IP = ip
			cp.cidrs = append(cp.cidrs, ipnet)
			continue
		}
		ip = net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("allow_cidrs: invalid CIDR or IP: %s", entry)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		cp.cidrs = append(cp.cidrs, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	cp.open = len(cp.hosts) == 0 && len(cp.cidrs) == 0
	return cp, nil
}

// checkURL verifies scheme and host of an already parsed URL.
func (cp *compiledPolicy) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !cp.schemeAllowed(scheme) {
		return fmt.Errorf("scheme %q not allowed", scheme)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return err
	}
	if cp.open {
		return nil
	}
	if _, ok := cp.hosts[host]; ok {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range cp.cidrs {
			if n.Contains(ip) {
				return nil
			}
		}
	}
	return fmt.Errorf("host %q not in allowlist", host)
}

func (cp *compiledPolicy) schemeAllowed(scheme string) bool {
	for _, s := range cp.schemes {
		if strings.EqualFold(strings.TrimSpace(s), scheme) {
			return true
		}
	}
	return false
}

// NormalizeHost validates and normalizes a bare host for comparison:
// IDNA-folded for names, canonical text form for IP literals.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	if strings.Contains(host, "@") {
		return "", fmt.Errorf("host must not include userinfo: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}
