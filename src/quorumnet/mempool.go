package quorumnet

import (
	"sync"

	"github.com/blinknet/blinkd/src/blink"
	"github.com/blinknet/blinkd/src/crypto"
)

// InmemMempool is a minimal Mempool: it remembers the blink txes it has
// accepted and applies a pluggable verdict function. Concurrent AddBlink
// calls for the same tx are idempotent.
type InmemMempool struct {
	mu      sync.Mutex
	txs     map[crypto.Hash]bool
	verdict func(*blink.Tx) bool
}

// NewInmemMempool creates a mempool; a nil verdict function approves
// everything.
func NewInmemMempool(verdict func(*blink.Tx) bool) *InmemMempool {
	return &InmemMempool{
		txs:     make(map[crypto.Hash]bool),
		verdict: verdict,
	}
}

// AddBlink implements Mempool.
func (p *InmemMempool) AddBlink(tx *blink.Tx) (bool, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if approved, ok := p.txs[tx.Hash()]; ok {
		return approved, true, nil
	}

	approved := p.verdict == nil || p.verdict(tx)
	p.txs[tx.Hash()] = approved
	return approved, false, nil
}

// Has reports whether a tx has been seen, and its verdict.
func (p *InmemMempool) Has(hash crypto.Hash) (seen bool, approved bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	approved, seen = p.txs[hash]
	return seen, approved
}
