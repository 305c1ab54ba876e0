package sn

import (
	"encoding/binary"
	"math"

	"github.com/blinknet/blinkd/src/crypto"
)

// QuorumType identifies the duty a quorum was drawn for.
type QuorumType uint8

const (
	QuorumObligations QuorumType = iota
	QuorumCheckpointing
	QuorumBlink

	numQuorumTypes
)

func (t QuorumType) String() string {
	switch t {
	case QuorumObligations:
		return "obligations"
	case QuorumCheckpointing:
		return "checkpointing"
	case QuorumBlink:
		return "blink"
	}
	return "invalid"
}

// Valid reports whether t is a known quorum type.
func (t QuorumType) Valid() bool {
	return t < numQuorumTypes
}

// Quorum is an ordered set of validator identities drawn for a (type, height)
// pair.
type Quorum struct {
	Validators []crypto.PubKey
}

// QuorumSource maps (type, height) to the quorum drawn for it, or nil if no
// quorum exists at that height.
type QuorumSource interface {
	GetQuorum(t QuorumType, height uint64) *Quorum
}

// Quorum parameters.
const (
	BlinkSubquorumSize = 10
	BlinkMinVotes      = 7

	// Blink quorums are drawn on interval boundaries, lagged behind the
	// authorization height so that all nodes agree on membership even at the
	// chain tip.
	BlinkQuorumInterval = 5
	BlinkQuorumLag      = 7 * BlinkQuorumInterval

	ObligationsMinVotes   = 7
	CheckpointingMinVotes = 13
)

// MinVotes returns the number of votes a quorum of the given type needs
// before its decision is meaningful. A quorum smaller than this cannot act.
func MinVotes(t QuorumType) int {
	switch t {
	case QuorumCheckpointing:
		return CheckpointingMinVotes
	case QuorumBlink:
		return BlinkMinVotes
	default:
		return ObligationsMinVotes
	}
}

// BlinkQuorumHeight returns the height at which the given blink subquorum for
// an authorization height was drawn, or 0 if the chain is too short to have
// one.
func BlinkQuorumHeight(authHeight uint64, subquorum uint8) uint64 {
	base := authHeight - authHeight%BlinkQuorumInterval
	offset := uint64(BlinkQuorumLag) + uint64(subquorum)*BlinkQuorumInterval
	if base < offset {
		return 0
	}
	return base - offset
}

// QuorumChecksum digests an ordered validator sequence into a single value.
// Each validator contributes 8 bytes of its pubkey read at a rotating offset,
// so both membership and ordering affect the result; the caller supplies a
// per-subquorum offset so that swapped subquorums produce different sums.
//
// The result is truncated to 63 bits because wire integers are signed.
func QuorumChecksum(validators []crypto.PubKey, offset uint64) uint64 {
	var sum uint64
	for i, v := range validators {
		pos := (offset + uint64(i)) % crypto.PubKeySize

		var chunk [8]byte
		for j := 0; j < 8; j++ {
			chunk[j] = v[(pos+uint64(j))%crypto.PubKeySize]
		}
		sum += binary.LittleEndian.Uint64(chunk[:])
	}
	return sum & math.MaxInt64
}
