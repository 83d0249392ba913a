// Package netaddr parses and formats the loose address strings accepted on
// the API surface: bare IPv4/IPv6, host:port, [ipv6]:port, hostnames.
// Hostnames are never resolved here.
package netaddr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// HostPort is a parsed address. Port is meaningful only when HasPort is set.
type HostPort struct {
	Host    string
	Port    int
	HasPort bool
	IsIPv6  bool
}

// Parse accepts any of: bare IPv4, bare IPv6, IPv4:port, [IPv6]:port,
// hostname, hostname:port.
//
// A bracketed form always means IPv6. An unbracketed colon-containing
// string is first tried as a whole IPv6 literal (it may carry no port at
// all); only when that fails is the tail after the last colon treated as a
// port, and only if it parses as an integer in [0, 65535].
func Parse(s string) (HostPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostPort{}, fmt.Errorf("empty address")
	}

	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return HostPort{}, fmt.Errorf("unterminated bracket in %q", s)
		}
		host := s[1:end]
		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Is6() {
			return HostPort{}, fmt.Errorf("bracketed host %q is not IPv6", host)
		}
		rest := s[end+1:]
		if rest == "" {
			return HostPort{Host: host, IsIPv6: true}, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return HostPort{}, fmt.Errorf("garbage after bracket in %q", s)
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return HostPort{}, fmt.Errorf("parse %q: %w", s, err)
		}
		return HostPort{Host: host, Port: port, HasPort: true, IsIPv6: true}, nil
	}

	// A colon-containing string with no dot may still be a portless IPv6.
	if addr, err := netip.ParseAddr(s); err == nil {
		return HostPort{Host: s, IsIPv6: addr.Is6()}, nil
	}

	if i := strings.LastIndex(s, ":"); i >= 0 {
		if port, err := parsePort(s[i+1:]); err == nil {
			host := s[:i]
			if host == "" {
				return HostPort{}, fmt.Errorf("missing host in %q", s)
			}
			hp := HostPort{Host: host, Port: port, HasPort: true}
			if addr, err := netip.ParseAddr(host); err == nil {
				hp.IsIPv6 = addr.Is6()
			}
			return hp, nil
		}
	}

	return HostPort{Host: s}, nil
}

// String formats the address, re-bracketing IPv6 hosts when a port is
// attached.
func (hp HostPort) String() string {
	if !hp.HasPort {
		return hp.Host
	}
	return Join(hp.Host, hp.Port)
}

// Join formats host:port, bracketing IPv6 literals.
func Join(host string, port int) string {
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

// IsIPv6 reports whether s is an IPv6 literal (bracketed or bare).
func IsIPv6(s string) bool {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is6()
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
