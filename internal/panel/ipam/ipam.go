// Package ipam allocates overlay IPs from the single configured pool.
// One IP per node, stable across calls, with optional preferred override.
package ipam

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/panel/store"

	"go4.org/netipx"
)

var (
	ErrNoPool           = errors.New("no overlay pool configured")
	ErrPoolExhausted    = errors.New("overlay pool exhausted")
	ErrInvalidPreferred = errors.New("preferred ip not inside the pool")
	ErrPreferredTaken   = errors.New("preferred ip already assigned")
)

// Status summarises pool utilization.
type Status struct {
	CIDR        string  `json:"cidr"`
	Total       int     `json:"total"`
	Assigned    int     `json:"assigned"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization"`
}

// Allocator hands out overlay IPs backed by the panel store.
type Allocator struct {
	store *store.Store
}

func New(s *store.Store) *Allocator {
	return &Allocator{store: s}
}

func (a *Allocator) pool() (netip.Prefix, error) {
	p, ok, err := a.store.GetOverlayPool()
	if err != nil {
		return netip.Prefix{}, err
	}
	if !ok {
		return netip.Prefix{}, ErrNoPool
	}
	prefix, err := netip.ParsePrefix(p.CIDR)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse pool cidr %q: %w", p.CIDR, err)
	}
	return prefix.Masked(), nil
}

// Allocate returns the node's overlay IP, assigning one if needed. An
// existing assignment is returned unchanged even when preferred differs;
// use Update to re-point a node.
func (a *Allocator) Allocate(nodeID, preferred string) (smite.OverlayAssignment, error) {
	if existing, ok, err := a.store.GetAssignment(nodeID); err != nil {
		return smite.OverlayAssignment{}, err
	} else if ok {
		// Re-sync the metadata mirror; it may have been edited away
		// from the assignment out of band.
		a.mirrorMetadata(nodeID, existing.OverlayIP)
		return existing, nil
	}

	prefix, err := a.pool()
	if err != nil {
		return smite.OverlayAssignment{}, err
	}
	taken, err := a.takenSet()
	if err != nil {
		return smite.OverlayAssignment{}, err
	}

	var ip netip.Addr
	if preferred != "" {
		ip, err = a.checkPreferred(prefix, taken, preferred)
		if err != nil {
			return smite.OverlayAssignment{}, err
		}
	} else {
		ip, err = firstFree(prefix, taken)
		if err != nil {
			return smite.OverlayAssignment{}, err
		}
	}

	assignment := smite.OverlayAssignment{NodeID: nodeID, OverlayIP: ip.String()}
	if err := a.store.SaveAssignment(assignment); err != nil {
		return smite.OverlayAssignment{}, err
	}
	a.mirrorMetadata(nodeID, ip.String())
	return assignment, nil
}

// Update overrides a node's overlay IP with the same containment and
// uniqueness checks, re-pointing any existing assignment.
func (a *Allocator) Update(nodeID, ip string) (smite.OverlayAssignment, error) {
	prefix, err := a.pool()
	if err != nil {
		return smite.OverlayAssignment{}, err
	}
	taken, err := a.takenSet()
	if err != nil {
		return smite.OverlayAssignment{}, err
	}
	// The node's own current IP does not block the update.
	if existing, ok, err := a.store.GetAssignment(nodeID); err != nil {
		return smite.OverlayAssignment{}, err
	} else if ok {
		if cur, perr := netip.ParseAddr(existing.OverlayIP); perr == nil {
			delete(taken, cur)
		}
	}

	addr, err := a.checkPreferred(prefix, taken, ip)
	if err != nil {
		return smite.OverlayAssignment{}, err
	}

	assignment := smite.OverlayAssignment{NodeID: nodeID, OverlayIP: addr.String()}
	if err := a.store.SaveAssignment(assignment); err != nil {
		return smite.OverlayAssignment{}, err
	}
	a.mirrorMetadata(nodeID, addr.String())
	return assignment, nil
}

// Release frees a node's overlay IP. Unknown nodes are a no-op.
func (a *Allocator) Release(nodeID string) error {
	if err := a.store.DeleteAssignment(nodeID); err != nil {
		return err
	}
	a.mirrorMetadata(nodeID, "")
	return nil
}

// Status reports pool utilization.
func (a *Allocator) Status() (Status, error) {
	prefix, err := a.pool()
	if err != nil {
		return Status{}, err
	}
	assignments, err := a.store.ListAssignments()
	if err != nil {
		return Status{}, err
	}

	total := usableHosts(prefix)
	assigned := len(assignments)
	available := total - assigned
	if available < 0 {
		available = 0
	}
	var utilization float64
	if total > 0 {
		utilization = float64(assigned) / float64(total) * 100
	}
	return Status{
		CIDR:        prefix.String(),
		Total:       total,
		Assigned:    assigned,
		Available:   available,
		Utilization: utilization,
	}, nil
}

func (a *Allocator) checkPreferred(prefix netip.Prefix, taken map[netip.Addr]bool, preferred string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(preferred)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an ip address", ErrInvalidPreferred, preferred)
	}
	if !prefix.Contains(addr) || isReserved(prefix, addr) {
		return netip.Addr{}, fmt.Errorf("%w: %s is outside %s", ErrInvalidPreferred, addr, prefix)
	}
	if taken[addr] {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrPreferredTaken, addr)
	}
	return addr, nil
}

func (a *Allocator) takenSet() (map[netip.Addr]bool, error) {
	assignments, err := a.store.ListAssignments()
	if err != nil {
		return nil, err
	}
	taken := make(map[netip.Addr]bool, len(assignments))
	for _, as := range assignments {
		if addr, err := netip.ParseAddr(as.OverlayIP); err == nil {
			taken[addr] = true
		}
	}
	return taken, nil
}

// mirrorMetadata keeps the node row's overlay_ip metadata in sync with
// the assignment. Nodes the store does not know are skipped.
func (a *Allocator) mirrorMetadata(nodeID, ip string) {
	node, err := a.store.GetNode(nodeID)
	if err != nil {
		return
	}
	if node.Metadata == nil {
		node.Metadata = map[string]string{}
	}
	if ip == "" {
		delete(node.Metadata, smite.MetaOverlayIP)
	} else {
		node.Metadata[smite.MetaOverlayIP] = ip
	}
	_ = a.store.SaveNode(node)
}

// firstFree scans hosts in address order and returns the first unassigned
// one. Network and broadcast addresses are skipped for IPv4.
func firstFree(prefix netip.Prefix, taken map[netip.Addr]bool) (netip.Addr, error) {
	r := netipx.RangeOfPrefix(prefix)
	for addr := r.From(); addr.Compare(r.To()) <= 0; addr = addr.Next() {
		if isReserved(prefix, addr) {
			continue
		}
		if !taken[addr] {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrPoolExhausted
}

// isReserved reports whether addr is the IPv4 network or broadcast
// address of prefix.
func isReserved(prefix netip.Prefix, addr netip.Addr) bool {
	if !addr.Is4() || prefix.Bits() >= 31 {
		return false
	}
	r := netipx.RangeOfPrefix(prefix)
	return addr == r.From() || addr == r.To()
}

// usableHosts is the host capacity of the pool (network size minus 2 for
// IPv4 prefixes shorter than /31).
func usableHosts(prefix netip.Prefix) int {
	bits := 32
	if prefix.Addr().Is6() {
		bits = 128
	}
	hostBits := bits - prefix.Bits()
	if hostBits > 30 {
		hostBits = 30 // cap, utilization math does not need exact counts
	}
	total := 1 << hostBits
	if prefix.Addr().Is4() && prefix.Bits() < 31 {
		total -= 2
	}
	return total
}
