package crypto

import (
	"crypto/sha256"
)

// Signing-domain tags. Every hash that ends up under a signature is prefixed
// with one of these so that signatures from different message kinds cannot
// collide.
const (
	DomainTx        = "blink.tx.v1"
	DomainBlinkSign = "blink.sign.v1"
	DomainVote      = "quorum.vote.v1"
)

// SHA256 returns the SHA256 hash of the concatenation of all parts.
func SHA256(parts ...[]byte) Hash {
	hasher := sha256.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// DomainHash hashes the parts under a constant domain tag.
func DomainHash(domain string, parts ...[]byte) Hash {
	hasher := sha256.New()
	hasher.Write([]byte(domain))
	for _, p := range parts {
		hasher.Write(p)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// TxHash is the canonical hash of a serialized transaction blob.
func TxHash(blob []byte) Hash {
	return DomainHash(DomainTx, blob)
}
