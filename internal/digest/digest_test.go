package digest

import (
	"strings"
	"testing"
)

func TestSum_Deterministic(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, FNV32} {
		first, err := Sum(alg, []byte("payload"))
		if err != nil {
			t.Fatalf("Sum(%s): %v", alg, err)
		}
		second, _ := Sum(alg, []byte("payload"))
		if first != second {
			t.Errorf("%s: same input should produce the same digest", alg)
		}
		if !strings.HasPrefix(first, string(alg)+":") {
			t.Errorf("%s digest should carry its algorithm prefix, got %q", alg, first)
		}
	}
}

func TestSum_InputSensitive(t *testing.T) {
	a, _ := Sum(SHA256, []byte("a"))
	b, _ := Sum(SHA256, []byte("b"))
	if a == b {
		t.Error("different inputs should produce different digests")
	}
}

func TestSum_UnknownAlgorithm(t *testing.T) {
	if _, err := Sum(Algorithm("md5"), []byte("x")); err == nil {
		t.Error("unknown algorithm should be rejected")
	}
}

func TestAlgorithm_Weak(t *testing.T) {
	if SHA256.Weak() {
		t.Error("sha256 is not the weak fallback")
	}
	if !FNV32.Weak() {
		t.Error("fnv32 must be flagged weak")
	}
	if Default != SHA256 {
		t.Error("new exports must default to the cryptographic algorithm")
	}
}
