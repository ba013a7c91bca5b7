package integrity

import (
	"testing"
	"time"
)

func TestComputeEventHash_Deterministic(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	details := []byte(`{"query_id":"q1"}`)

	h1 := ComputeEventHash("q1", "AUTHZ_ALLOW", "alice", "D1", details, ts)
	h2 := ComputeEventHash("q1", "AUTHZ_ALLOW", "alice", "D1", details, ts)

	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 digest, got %d chars", len(h1))
	}
}

func TestComputeEventHash_DifferentInputsDiffer(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	details := []byte(`{}`)

	h1 := ComputeEventHash("q1", "AUTHZ_ALLOW", "alice", "D1", details, ts)
	h2 := ComputeEventHash("q1", "AUTHZ_DENY", "alice", "D1", details, ts)

	if h1 == h2 {
		t.Fatal("different actions should produce different hashes")
	}
}

func TestComputeEventHash_TimestampTruncatedToMicrosecond(t *testing.T) {
	tsNano := time.Date(2026, 4, 1, 12, 0, 0, 999, time.UTC)
	tsMicro := tsNano.Truncate(time.Microsecond)

	h1 := ComputeEventHash("q1", "QUERY_RECEIVED", "alice", "", nil, tsNano)
	h2 := ComputeEventHash("q1", "QUERY_RECEIVED", "alice", "", nil, tsMicro)

	if h1 != h2 {
		t.Fatal("sub-microsecond precision should not affect the hash")
	}
}

func TestComputeEventHash_FieldBoundariesDoNotCollide(t *testing.T) {
	ts := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	h1 := ComputeEventHash("qab", "c", "actor", "doc", nil, ts)
	h2 := ComputeEventHash("q", "abc", "actor", "doc", nil, ts)

	if h1 == h2 {
		t.Fatal("length-prefixed fields should not collide across boundary shifts")
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	root := BuildMerkleRoot(nil)
	if root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := "abc123"
	root := BuildMerkleRoot([]string{leaf})
	if root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRoot_Deterministic(t *testing.T) {
	leaves := []string{"hash_a", "hash_b", "hash_c", "hash_d"}

	r1 := BuildMerkleRoot(leaves)
	r2 := BuildMerkleRoot(leaves)

	if r1 != r2 {
		t.Fatalf("Merkle root not deterministic: %q != %q", r1, r2)
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})

	if r1 == r2 {
		t.Fatal("different leaf ordering should produce different roots")
	}
}

func TestBuildMerkleRoot_OddLeafCount(t *testing.T) {
	root := BuildMerkleRoot([]string{"x", "y", "z"})
	if root == "" {
		t.Fatal("odd leaf count should still produce a root")
	}
	if len(root) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(root))
	}
}
