package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Keys bundles a service node's ed25519 identity with the curve25519 keypair
// derived from it. The x25519 key authenticates transport connections; the
// ed25519 key signs quorum messages.
type Keys struct {
	priv ed25519.PrivateKey

	Pub        PubKey
	X25519Priv [32]byte
	X25519Pub  X25519PubKey
}

// GenerateKeys creates a fresh identity.
func GenerateKeys() (*Keys, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return KeysFromSeed(seed)
}

// KeysFromSeed rebuilds the full keypair from a 32-byte ed25519 seed.
func KeysFromSeed(seed []byte) (*Keys, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: got %d, want %d", len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)

	k := &Keys{priv: priv}
	copy(k.Pub[:], priv.Public().(ed25519.PublicKey))

	// The curve25519 secret is the clamped lower half of SHA512(seed), which
	// is also the scalar the ed25519 signature scheme uses internally.
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(k.X25519Priv[:], h[:32])

	xpub, err := curve25519.X25519(k.X25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.X25519Pub[:], xpub)

	return k, nil
}

// Seed returns the 32-byte seed the keypair was built from.
func (k *Keys) Seed() []byte {
	return k.priv.Seed()
}

// Sign signs a 32-byte hash with the identity key.
func (k *Keys) Sign(hash Hash) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.priv, hash[:]))
	return sig
}

// Verify checks a signature over a 32-byte hash against an identity key.
func Verify(pub PubKey, hash Hash, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), hash[:], sig[:])
}
