// Package digest computes the content digests used by the forensic hash
// chain. The primary algorithm is SHA-256. A 32-bit FNV-1a fallback is
// retained so that bundles produced by runtimes without a cryptographic
// primitive can still be verified — it is a known weakness of the bundle
// format, not a recommendation, and new exports never select it unless
// explicitly configured.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// Algorithm identifies a digest algorithm recorded in an export bundle.
type Algorithm string

const (
	// SHA256 is the primary, cryptographically strong algorithm.
	SHA256 Algorithm = "sha256"

	// FNV32 is the non-cryptographic fallback. Bundles hashed with it
	// carry a weak marker and must not be treated as forensically strong.
	FNV32 Algorithm = "fnv32"
)

// Default is the algorithm used for new exports.
const Default = SHA256

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	return a == SHA256 || a == FNV32
}

// Weak reports whether a is the non-cryptographic fallback.
func (a Algorithm) Weak() bool {
	return a == FNV32
}

// Sum digests data with the given algorithm and returns the prefixed hex
// form, e.g. "sha256:9f86d0…" or "fnv32:811c9dc5".
func Sum(alg Algorithm, data []byte) (string, error) {
	switch alg {
	case SHA256:
		sum := sha256.Sum256(data)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	case FNV32:
		h := fnv.New32a()
		h.Write(data)
		return "fnv32:" + hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q", alg)
	}
}
