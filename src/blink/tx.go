// Package blink tracks in-flight fast-finality transactions: the per-tx
// signature slots of the two blink subquorums, the derived verdict, and the
// node-local cache of submitted blinks.
package blink

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/sn"
)

// Subquorum indexes one of the two blink subquorums.
type Subquorum uint8

const (
	// SubquorumBase is Q, drawn at the base quorum height.
	SubquorumBase Subquorum = iota
	// SubquorumFuture is Q', drawn one interval earlier.
	SubquorumFuture

	// NumSubquorums is the number of subquorums in a blink authorization.
	NumSubquorums
)

// SignatureStatus is the state of one signature slot.
type SignatureStatus uint8

const (
	SignatureNone SignatureStatus = iota
	SignatureApproved
	SignatureRejected
)

// MaxTxSize bounds a serialized transaction blob.
const MaxTxSize = 1 << 20

var errBadTxBlob = errors.New("invalid transaction blob")

// ParseTx validates a serialized transaction blob and returns its canonical
// hash. Chain-level validation belongs to the mempool; this only rejects
// blobs that cannot be a transaction at all.
func ParseTx(blob []byte) (crypto.Hash, error) {
	if len(blob) == 0 || len(blob) > MaxTxSize {
		return crypto.Hash{}, errBadTxBlob
	}
	return crypto.TxHash(blob), nil
}

type slot struct {
	status SignatureStatus
	sig    crypto.Signature
}

// Tx is one blink transaction with its signature slots. Multiple handler
// goroutines share a Tx through the cache; slot inspection takes the read
// side of the lock and slot insertion the write side.
type Tx struct {
	mu sync.RWMutex

	height uint64
	blob   []byte
	hash   crypto.Hash

	slots [NumSubquorums][]slot
}

// NewTx creates a blink tx with slot arrays sized to the actual subquorums.
func NewTx(height uint64, blob []byte, hash crypto.Hash, sizes [NumSubquorums]int) *Tx {
	tx := &Tx{
		height: height,
		blob:   blob,
		hash:   hash,
	}
	for i := range tx.slots {
		tx.slots[i] = make([]slot, sizes[i])
	}
	return tx
}

// Height returns the blink authorization height.
func (t *Tx) Height() uint64 { return t.height }

// Hash returns the transaction hash.
func (t *Tx) Hash() crypto.Hash { return t.hash }

// Blob returns the serialized transaction.
func (t *Tx) Blob() []byte { return t.blob }

// SubquorumSize returns the number of slots in a subquorum.
func (t *Tx) SubquorumSize(q Subquorum) int {
	return len(t.slots[q])
}

// SignHash is the hash a quorum member signs to approve or reject this tx.
// The approval bit is part of the hash so an approval signature cannot be
// replayed as a rejection.
func (t *Tx) SignHash(approved bool) crypto.Hash {
	var height [8]byte
	binary.LittleEndian.PutUint64(height[:], t.height)

	b := byte(0)
	if approved {
		b = 1
	}

	return crypto.DomainHash(crypto.DomainBlinkSign, height[:], t.hash[:], []byte{b})
}

// AddPrecheckedSignature stores a signature whose validity the caller has
// already established. It returns false if the slot is out of range or
// already filled; a filled slot is never overwritten.
func (t *Tx) AddPrecheckedSignature(q Subquorum, position int, approval bool, sig crypto.Signature) bool {
	if q >= NumSubquorums {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if position < 0 || position >= len(t.slots[q]) {
		return false
	}
	if t.slots[q][position].status != SignatureNone {
		return false
	}

	status := SignatureRejected
	if approval {
		status = SignatureApproved
	}
	t.slots[q][position] = slot{status: status, sig: sig}
	return true
}

// InsertPrechecked stores a batch of signatures in one write-lock pass and
// samples the verdict before and after. Doing both under the same critical
// section guarantees that exactly one batch observes a verdict transition,
// so the submitter is notified at most once.
func (t *Tx) InsertPrechecked(sigs []PendingSignature) (accepted []PendingSignature, prevApproved, prevRejected, nowApproved, nowRejected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevApproved = t.approvedLocked()
	prevRejected = t.rejectedLocked()

	for _, s := range sigs {
		if s.Subquorum >= NumSubquorums {
			continue
		}
		pos := int(s.Position)
		if pos < 0 || pos >= len(t.slots[s.Subquorum]) {
			continue
		}
		if t.slots[s.Subquorum][pos].status != SignatureNone {
			continue
		}

		status := SignatureRejected
		if s.Approval {
			status = SignatureApproved
		}
		t.slots[s.Subquorum][pos] = slot{status: status, sig: s.Signature}
		accepted = append(accepted, s)
	}

	nowApproved = t.approvedLocked()
	nowRejected = t.rejectedLocked()
	return
}

// Status returns the state of one signature slot.
func (t *Tx) Status(q Subquorum, position int) SignatureStatus {
	if q >= NumSubquorums {
		return SignatureNone
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if position < 0 || position >= len(t.slots[q]) {
		return SignatureNone
	}
	return t.slots[q][position].status
}

// Approved reports whether every subquorum has reached the approval
// threshold. Once true it stays true: slots are never cleared.
func (t *Tx) Approved() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.approvedLocked()
}

// Rejected reports whether some subquorum can no longer reach the approval
// threshold.
func (t *Tx) Rejected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rejectedLocked()
}

func (t *Tx) approvedLocked() bool {
	for q := range t.slots {
		approvals := 0
		for _, s := range t.slots[q] {
			if s.status == SignatureApproved {
				approvals++
			}
		}
		if approvals < sn.BlinkMinVotes {
			return false
		}
	}
	return true
}

func (t *Tx) rejectedLocked() bool {
	for q := range t.slots {
		rejections := 0
		for _, s := range t.slots[q] {
			if s.status == SignatureRejected {
				rejections++
			}
		}
		if rejections > len(t.slots[q])-sn.BlinkMinVotes {
			return true
		}
	}
	return false
}

// DebugSignatures renders the slot states as "[A R - ...] [...]" for debug
// logging.
func (t *Tx) DebugSignatures() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]byte, 0, 64)
	for q := range t.slots {
		if q > 0 {
			out = append(out, ' ')
		}
		out = append(out, '[')
		for i, s := range t.slots[q] {
			if i > 0 {
				out = append(out, ' ')
			}
			switch s.status {
			case SignatureApproved:
				out = append(out, 'A')
			case SignatureRejected:
				out = append(out, 'R')
			default:
				out = append(out, '-')
			}
		}
		out = append(out, ']')
	}
	return string(out)
}
