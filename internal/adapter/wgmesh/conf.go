package wgmesh

import (
	"fmt"
	"strings"

	"github.com/zZedix/smite"
)

// peerRef is one [Peer] block as read from a wg-quick config.
type peerRef struct {
	PublicKey  string
	Endpoint   string
	AllowedIPs []string
}

// parseConf extracts the [Peer] blocks from an INI-style WireGuard config.
// Only the keys the adapter acts on are retained.
func parseConf(conf string) []peerRef {
	var peers []peerRef
	var cur *peerRef
	for _, line := range strings.Split(conf, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.EqualFold(line, "[Peer]"):
			peers = append(peers, peerRef{})
			cur = &peers[len(peers)-1]
		case strings.HasPrefix(line, "["):
			cur = nil
		case cur != nil:
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			switch {
			case strings.EqualFold(key, "PublicKey"):
				cur.PublicKey = value
			case strings.EqualFold(key, "Endpoint"):
				cur.Endpoint = value
			case strings.EqualFold(key, "AllowedIPs"):
				for _, ip := range strings.Split(value, ",") {
					if ip = strings.TrimSpace(ip); ip != "" {
						cur.AllowedIPs = append(cur.AllowedIPs, ip)
					}
				}
			}
		}
	}
	return peers
}

// allowedIPs returns every AllowedIPs entry across all peers, in order.
func allowedIPs(conf string) []string {
	var out []string
	for _, p := range parseConf(conf) {
		out = append(out, p.AllowedIPs...)
	}
	return out
}

// obfuscatorPort derives the local port WireGuard dials for one obfuscated
// peer. Stable per (mesh, peer, endpoint) so restarts reuse the same port.
func obfuscatorPort(meshID, peerKey, endpoint string) int {
	return smite.DerivePort(meshID+peerKey+endpoint, smite.ObfuscatorPortBase, smite.ObfuscatorPortSpan)
}

// obfuscatorSourcePort derives the outbound bind port of the obfuscator
// itself, segregated from the listen range.
func obfuscatorSourcePort(meshID, endpoint string) int {
	return smite.DerivePort(meshID+endpoint, 24000, 1000)
}

// rewriteEndpoints redirects every peer Endpoint to the local obfuscator
// listener and returns the rewritten config plus the (listen port, real
// endpoint) pairs the obfuscators must bridge.
func rewriteEndpoints(meshID, conf string) (string, []obfRoute) {
	var routes []obfRoute
	var out []string
	var inPeer bool
	var peerKey string

	// First pass collects the peer keys in order so an Endpoint line that
	// precedes its PublicKey still derives the right port.
	peers := parseConf(conf)
	peerIdx := -1

	for _, line := range strings.Split(conf, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, "[Peer]"):
			inPeer = true
			peerIdx++
			peerKey = ""
			if peerIdx < len(peers) {
				peerKey = peers[peerIdx].PublicKey
			}
			out = append(out, line)
			continue
		case strings.HasPrefix(trimmed, "["):
			inPeer = false
			out = append(out, line)
			continue
		}

		if inPeer {
			if key, value, ok := strings.Cut(trimmed, "="); ok && strings.EqualFold(strings.TrimSpace(key), "Endpoint") {
				endpoint := strings.TrimSpace(value)
				port := obfuscatorPort(meshID, peerKey, endpoint)
				routes = append(routes, obfRoute{ListenPort: port, Target: endpoint})
				out = append(out, fmt.Sprintf("Endpoint = 127.0.0.1:%d", port))
				continue
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), routes
}

// obfRoute is one obfuscator bridge: local WireGuard traffic on ListenPort
// forwarded to the real peer endpoint.
type obfRoute struct {
	ListenPort int
	Target     string
}
