package blink

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/crypto"
)

// PendingSignature is a signature received before its transaction. It is a
// value type so the cache can deduplicate exact resends.
type PendingSignature struct {
	Approval  bool
	Subquorum Subquorum
	Position  int32
	Signature crypto.Signature
}

// metadata tracks one submitted blink, whether or not we have the tx bytes
// yet. The reply tag and pubkey identify the original submitter, set on the
// first entry-point node so the eventual verdict can be sent back.
type metadata struct {
	tx      *Tx
	pending map[PendingSignature]struct{}

	replyTag    uint64
	replyPubkey crypto.X25519PubKey
}

// Cache tracks submitted blink txes by (height, tx hash). Unlike the blinks
// stored in the mempool these are stored more liberally, even if unsigned or
// unacceptable, so that signatures arriving out of order have somewhere to
// land. Entries expire by height, not wall clock.
type Cache struct {
	mu     sync.RWMutex
	blinks map[uint64]map[crypto.Hash]*metadata
	logger *logrus.Entry
}

// NewCache creates an empty cache.
func NewCache(logger *logrus.Entry) *Cache {
	if logger == nil {
		log := logrus.New()
		logger = logrus.NewEntry(log)
	}
	return &Cache{
		blinks: make(map[uint64]map[crypto.Hash]*metadata),
		logger: logger,
	}
}

// Find returns the tx handle and reply routing for an entry, if the tx is
// known.
func (c *Cache) Find(height uint64, hash crypto.Hash) (tx *Tx, replyTag uint64, replyPubkey crypto.X25519PubKey, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if byHash, found := c.blinks[height]; found {
		if md, found := byHash[hash]; found && md.tx != nil {
			return md.tx, md.replyTag, md.replyPubkey, true
		}
	}
	return nil, 0, crypto.X25519PubKey{}, false
}

// AdoptReplyTag records the submitter's tag on an entry that was first seen
// via quorum relay. Returns true if the tag was recorded; an entry that
// already has a tag keeps it.
func (c *Cache) AdoptReplyTag(height uint64, hash crypto.Hash, tag uint64, pubkey crypto.X25519PubKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byHash, found := c.blinks[height]
	if !found {
		return false
	}
	md, found := byHash[hash]
	if !found || md.tx == nil || md.replyTag != 0 {
		return false
	}

	md.replyTag = tag
	md.replyPubkey = pubkey
	return true
}

// Install stores the tx handle for an entry and drains any signatures that
// arrived before it. It returns ok=false if another goroutine installed a tx
// for the same (height, hash) first.
func (c *Cache) Install(height uint64, hash crypto.Hash, tx *Tx, tag uint64, pubkey crypto.X25519PubKey) (pending []PendingSignature, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	md := c.getOrCreate(height, hash)
	if md.tx != nil {
		return nil, false
	}

	md.tx = tx
	for sig := range md.pending {
		pending = append(pending, sig)
	}
	md.pending = make(map[PendingSignature]struct{})

	if tag > 0 {
		md.replyTag = tag
		md.replyPubkey = pubkey
	}

	return pending, true
}

// AddPending buffers signatures for a tx we have not seen yet, deduplicating
// exact resends.
func (c *Cache) AddPending(height uint64, hash crypto.Hash, sigs []PendingSignature) {
	c.mu.Lock()
	defer c.mu.Unlock()

	md := c.getOrCreate(height, hash)
	for _, sig := range sigs {
		md.pending[sig] = struct{}{}
	}
}

// PruneBelow drops all entries at heights below min and returns how many
// were removed.
func (c *Cache) PruneBelow(min uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for height, byHash := range c.blinks {
		if height < min {
			removed += len(byHash)
			delete(c.blinks, height)
		}
	}

	if removed > 0 {
		c.logger.WithFields(logrus.Fields{
			"min_height": min,
			"removed":    removed,
		}).Debug("Pruned expired blink entries")
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, byHash := range c.blinks {
		n += len(byHash)
	}
	return n
}

func (c *Cache) getOrCreate(height uint64, hash crypto.Hash) *metadata {
	byHash, found := c.blinks[height]
	if !found {
		byHash = make(map[crypto.Hash]*metadata)
		c.blinks[height] = byHash
	}
	md, found := byHash[hash]
	if !found {
		md = &metadata{pending: make(map[PendingSignature]struct{})}
		byHash[hash] = md
	}
	return md
}
