package crypto

import (
	"encoding/hex"
	"fmt"
)

// Sizes of the fixed-width values used throughout the quorum protocol.
const (
	PubKeySize       = 32
	X25519PubKeySize = 32
	SignatureSize    = 64
	HashSize         = 32
)

// PubKey is a service node's primary (ed25519) identity.
type PubKey [PubKeySize]byte

// X25519PubKey is the derived curve25519 key used to authenticate transport
// connections.
type X25519PubKey [X25519PubKeySize]byte

// Signature is a 64-byte ed25519 signature.
type Signature [SignatureSize]byte

// Hash is a 32-byte digest.
type Hash [HashSize]byte

func (k PubKey) String() string       { return hex.EncodeToString(k[:]) }
func (k X25519PubKey) String() string { return hex.EncodeToString(k[:]) }
func (h Hash) String() string         { return hex.EncodeToString(h[:]) }

func (k PubKey) IsZero() bool {
	return k == PubKey{}
}

func (k X25519PubKey) IsZero() bool {
	return k == X25519PubKey{}
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}

// PubKeyFromBytes converts a raw 32-byte slice into a PubKey.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	var k PubKey
	if len(b) != PubKeySize {
		return k, fmt.Errorf("invalid pubkey length: got %d, want %d", len(b), PubKeySize)
	}
	copy(k[:], b)
	return k, nil
}

// X25519FromBytes converts a raw 32-byte slice into an X25519PubKey.
func X25519FromBytes(b []byte) (X25519PubKey, error) {
	var k X25519PubKey
	if len(b) != X25519PubKeySize {
		return k, fmt.Errorf("invalid x25519 pubkey length: got %d, want %d", len(b), X25519PubKeySize)
	}
	copy(k[:], b)
	return k, nil
}

// SignatureFromBytes converts a raw 64-byte slice into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, fmt.Errorf("invalid signature length: got %d, want %d", len(b), SignatureSize)
	}
	copy(s[:], b)
	return s, nil
}

// HashFromBytes converts a raw 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// PubKeyFromHex parses a hex-encoded PubKey.
func PubKeyFromHex(s string) (PubKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PubKey{}, err
	}
	return PubKeyFromBytes(b)
}

// X25519FromHex parses a hex-encoded X25519PubKey.
func X25519FromHex(s string) (X25519PubKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return X25519PubKey{}, err
	}
	return X25519FromBytes(b)
}
