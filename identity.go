package smite

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Fingerprint derives the short content-addressed node identifier: the
// first 16 hex characters of SHA-256 over the seed (normally "ip:api_port").
func Fingerprint(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// DerivePort maps a seed into [base, base+span) deterministically. The same
// seed always yields the same port, which is what restart reconciliation
// depends on: a re-created tunnel lands on the port its peers already use.
func DerivePort(seed string, base, span int) int {
	sum := md5.Sum([]byte(seed))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	return base + int(n%uint64(span))
}

// Port range segregation. Each role gets its own range so MD5-derived
// ports cannot collide across roles within one mesh.
const (
	FRPControlPortBase = 7000
	FRPControlPortSpan = 1000

	SharedWGPortBase = 17000
	SharedWGPortSpan = 1000

	ForeignRemotePortBase = 18000
	ForeignRemotePortSpan = 1000

	ObfuscatorPortBase = 19000
	ObfuscatorPortSpan = 5000
)
