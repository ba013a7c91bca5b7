// Package integrity provides tamper-evident hashing and Merkle tree
// construction over audit events. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"
)

// ComputeEventHash produces a SHA-256 hex digest over the canonical fields of
// one audit event. Each field is length-prefixed before hashing so that
// freeform text (queries, details) can never shift field boundaries and
// produce a colliding hash.
//
// timestamp is truncated to microsecond precision before hashing because
// PostgreSQL stores timestamptz at microsecond resolution; without
// truncation, a hash computed from Go's nanosecond-precision time would
// never match one recomputed from the DB-roundtripped timestamp.
func ComputeEventHash(queryID, action, actor, documentID string, details []byte, timestamp time.Time) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // field lengths are bounded by request size limits
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(queryID))
	writeField([]byte(action))
	writeField([]byte(actor))
	writeField([]byte(documentID))
	writeField([]byte(strconv.FormatInt(timestamp.Truncate(time.Microsecond).UTC().UnixMicro(), 10)))
	writeField(details)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || len(a) || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), ensuring internal node hashes can never collide with leaf
// content hashes. The 4-byte big-endian length prefix on `a` prevents
// second-preimage attacks from boundary ambiguity.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	aBytes := []byte(a)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(aBytes))) //nolint:gosec // hash inputs are bounded-length hex strings
	h.Write(lenBuf[:])
	h.Write(aBytes)
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must be sorted by the caller for determinism. If leaves is
// empty, returns an empty string. If leaves has one element, the root is
// that element. Odd-length levels hash the last node with itself for
// structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
