// Package counters installs per-tunnel iptables ACCEPT rules used purely as
// byte counters. The rules live in a dedicated chain jumped to from INPUT
// and OUTPUT and are tagged with a stable per-tunnel comment so they can be
// summed and removed without tracking rule handles.
//
// Contract: rules only count. They never drop, reject, or mangle.
package counters

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// Chain is the well-known counter chain name.
const Chain = "SMITE_TRACK"

const table = "filter"

// Tag returns the comment that marks every rule belonging to a tunnel.
func Tag(tunnelID string) string {
	return "smite-" + tunnelID
}

type ipt interface {
	NewChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	AppendUnique(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	Delete(table, chain string, rulespec ...string) error
	StructuredStats(table, chain string) ([]iptables.Stat, error)
}

// Tracker manages counter rules for both address families. The IPv6 handle
// may be nil; every IPv6 failure is logged and swallowed.
type Tracker struct {
	v4  ipt
	v6  ipt
	log *slog.Logger
}

// New creates a Tracker backed by the system iptables/ip6tables binaries.
func New() (*Tracker, error) {
	v4, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv4), iptables.Timeout(5))
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	t := &Tracker{v4: v4, log: slog.With("component", "counters")}
	v6, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv6), iptables.Timeout(5))
	if err != nil {
		t.log.Warn("ip6tables unavailable, counting IPv4 only", "err", err)
	} else {
		t.v6 = v6
	}
	return t, nil
}

// EnsureChain creates the counter chain if missing and wires it into INPUT
// and OUTPUT. Safe to call repeatedly.
func (t *Tracker) EnsureChain() error {
	if err := ensureChain(t.v4); err != nil {
		return err
	}
	if t.v6 != nil {
		if err := ensureChain(t.v6); err != nil {
			t.log.Warn("ensure IPv6 counter chain", "err", err)
		}
	}
	return nil
}

func ensureChain(h ipt) error {
	exists, err := h.ChainExists(table, Chain)
	if err != nil {
		return fmt.Errorf("check counter chain: %w", err)
	}
	if !exists {
		if err := h.NewChain(table, Chain); err != nil {
			return fmt.Errorf("create counter chain: %w", err)
		}
	}
	for _, parent := range []string{"INPUT", "OUTPUT"} {
		if err := h.AppendUnique(table, parent, "-j", Chain); err != nil {
			return fmt.Errorf("jump %s to %s: %w", parent, Chain, err)
		}
	}
	return nil
}

// AddPort installs the four counting rules (TCP in/out, UDP in/out) keyed
// by a local port.
func (t *Tracker) AddPort(tunnelID string, port int) error {
	if err := t.EnsureChain(); err != nil {
		return err
	}
	rules := portRules(tunnelID, port)
	if err := appendRules(t.v4, rules); err != nil {
		return err
	}
	if t.v6 != nil {
		if err := appendRules(t.v6, rules); err != nil {
			t.log.Warn("install IPv6 counter rules", "tunnel", tunnelID, "err", err)
		}
	}
	return nil
}

// AddRemote installs counting rules keyed by a remote host and port. This
// is the backhaul-client variant: the node originates the connection, so
// counting has to match the remote endpoint rather than a local bind.
func (t *Tracker) AddRemote(tunnelID, host string, port int) error {
	if err := t.EnsureChain(); err != nil {
		return err
	}
	rules := remoteRules(tunnelID, host, port)
	h := t.v4
	if strings.Contains(host, ":") {
		if t.v6 == nil {
			t.log.Warn("IPv6 remote counter skipped, ip6tables unavailable", "tunnel", tunnelID)
			return nil
		}
		h = t.v6
	}
	return appendRules(h, rules)
}

// Read sums the byte columns across every rule carrying the tunnel's tag.
func (t *Tracker) Read(tunnelID string) (uint64, error) {
	tag := Tag(tunnelID)
	total, err := sumBytes(t.v4, tag)
	if err != nil {
		return 0, err
	}
	if t.v6 != nil {
		n, err := sumBytes(t.v6, tag)
		if err != nil {
			t.log.Warn("read IPv6 counters", "tunnel", tunnelID, "err", err)
		} else {
			total += n
		}
	}
	return total, nil
}

// Remove deletes every rule carrying the tunnel's tag. Matching rules are
// deleted last-first so the remaining positions stay valid mid-scan.
func (t *Tracker) Remove(tunnelID string) error {
	tag := Tag(tunnelID)
	if err := removeTagged(t.v4, tag); err != nil {
		return err
	}
	if t.v6 != nil {
		if err := removeTagged(t.v6, tag); err != nil {
			t.log.Warn("remove IPv6 counter rules", "tunnel", tunnelID, "err", err)
		}
	}
	return nil
}

func appendRules(h ipt, rules [][]string) error {
	for _, r := range rules {
		if err := h.AppendUnique(table, Chain, r...); err != nil {
			return fmt.Errorf("install counter rule: %w", err)
		}
	}
	return nil
}

func sumBytes(h ipt, tag string) (uint64, error) {
	stats, err := h.StructuredStats(table, Chain)
	if err != nil {
		return 0, fmt.Errorf("read counter chain: %w", err)
	}
	var total uint64
	for _, st := range stats {
		if strings.Contains(st.Options, tag) {
			total += st.Bytes
		}
	}
	return total, nil
}

func removeTagged(h ipt, tag string) error {
	rules, err := h.List(table, Chain)
	if err != nil {
		return fmt.Errorf("list counter chain: %w", err)
	}
	// Collect matches first, then delete in reverse listing order.
	var specs [][]string
	for _, rule := range rules {
		if !strings.Contains(rule, tag) {
			continue
		}
		spec := ruleToSpec(rule)
		if spec != nil {
			specs = append(specs, spec)
		}
	}
	for i := len(specs) - 1; i >= 0; i-- {
		if err := h.Delete(table, Chain, specs[i]...); err != nil {
			return fmt.Errorf("delete counter rule: %w", err)
		}
	}
	return nil
}

// ruleToSpec turns an iptables-save style "-A CHAIN ..." line back into the
// rulespec arguments for -D. Quoted comment values are unwrapped.
func ruleToSpec(rule string) []string {
	fields := splitQuoted(rule)
	if len(fields) < 2 || fields[0] != "-A" {
		return nil
	}
	return fields[2:]
}

func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func portRules(tunnelID string, port int) [][]string {
	tag := Tag(tunnelID)
	p := strconv.Itoa(port)
	return [][]string{
		{"-p", "tcp", "--dport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
		{"-p", "tcp", "--sport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
		{"-p", "udp", "--dport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
		{"-p", "udp", "--sport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
	}
}

func remoteRules(tunnelID, host string, port int) [][]string {
	tag := Tag(tunnelID)
	p := strconv.Itoa(port)
	return [][]string{
		{"-p", "tcp", "-d", host, "--dport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
		{"-p", "tcp", "-s", host, "--sport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
		{"-p", "udp", "-d", host, "--dport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
		{"-p", "udp", "-s", host, "--sport", p, "-m", "comment", "--comment", tag, "-j", "ACCEPT"},
	}
}
