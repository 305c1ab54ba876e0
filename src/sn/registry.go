package sn

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/crypto"
)

// Registry is the identity directory: it maps primary pubkeys to service-node
// records and x25519 transport keys back to primary pubkeys. It is read
// concurrently by every handler thread; mutation happens when registration or
// proof data arrives from the chain.
//
// When constructed with a Store, records are loaded from it at startup and
// every update is written through.
type Registry struct {
	mu       sync.RWMutex
	byPubKey map[crypto.PubKey]*ServiceNode
	byX25519 map[crypto.X25519PubKey]crypto.PubKey

	store  *Store
	logger *logrus.Entry
}

// NewRegistry creates a registry, optionally backed by a persistent store.
func NewRegistry(store *Store, logger *logrus.Entry) (*Registry, error) {
	if logger == nil {
		log := logrus.New()
		logger = logrus.NewEntry(log)
	}

	r := &Registry{
		byPubKey: make(map[crypto.PubKey]*ServiceNode),
		byX25519: make(map[crypto.X25519PubKey]crypto.PubKey),
		store:    store,
		logger:   logger,
	}

	if store != nil {
		records, err := store.LoadAll()
		if err != nil {
			return nil, err
		}
		for i := range records {
			rec := records[i]
			r.byPubKey[rec.PubKey] = &rec
			r.byX25519[rec.X25519] = rec.PubKey
		}
		logger.WithField("count", len(records)).Debug("Loaded service node records from store")
	}

	return r, nil
}

// Put inserts or replaces a record, writing through to the store if present.
func (r *Registry) Put(node ServiceNode) error {
	r.mu.Lock()

	if old, ok := r.byPubKey[node.PubKey]; ok && old.X25519 != node.X25519 {
		delete(r.byX25519, old.X25519)
	}
	rec := node
	r.byPubKey[rec.PubKey] = &rec
	r.byX25519[rec.X25519] = rec.PubKey

	r.mu.Unlock()

	if r.store != nil {
		return r.store.Put(node)
	}
	return nil
}

// Resolve returns the record for a primary pubkey.
func (r *Registry) Resolve(pub crypto.PubKey) (ServiceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byPubKey[pub]
	if !ok {
		return ServiceNode{}, false
	}
	return *rec, true
}

// PubKeyOf maps an x25519 transport key back to the primary pubkey it belongs
// to.
func (r *Registry) PubKeyOf(x crypto.X25519PubKey) (crypto.PubKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.byX25519[x]
	return pub, ok
}

// IsServiceNode reports whether an x25519 key belongs to a registered node.
func (r *Registry) IsServiceNode(x crypto.X25519PubKey) bool {
	_, ok := r.PubKeyOf(x)
	return ok
}

// ForEach invokes fn for every requested pubkey that has a record. The
// registry lock is held for the whole pass, so callers batch their lookups
// into a single call.
func (r *Registry) ForEach(pubs []crypto.PubKey, fn func(ServiceNode)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, pub := range pubs {
		if rec, ok := r.byPubKey[pub]; ok {
			fn(*rec)
		}
	}
}

// ConnectString resolves an x25519 transport key straight to a dialable endpoint, or "" if
// the node is unknown, inactive, or has no advertised endpoint.
func (r *Registry) ConnectString(x crypto.X25519PubKey) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.byX25519[x]
	if !ok {
		return ""
	}
	rec, ok := r.byPubKey[pub]
	if !ok || !rec.Active {
		return ""
	}
	return rec.ConnectString()
}

// Len returns the number of known records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPubKey)
}

// ActivePubKeys returns the pubkeys of all active records.
func (r *Registry) ActivePubKeys() []crypto.PubKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := []crypto.PubKey{}
	for pub, rec := range r.byPubKey {
		if rec.Active {
			res = append(res, pub)
		}
	}
	return res
}
