package sn

import (
	"bytes"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"

	"github.com/blinknet/blinkd/src/crypto"
)

const snPrefix = "sn:"

// snRecord is the storage encoding of a ServiceNode.
type snRecord struct {
	PubKey []byte
	X25519 []byte
	IP     string
	Port   uint16
	Active bool
}

// Store persists service-node records in a badger database so that a
// restarted node starts with the directory it had, rather than waiting for
// the chain to replay registrations.
type Store struct {
	db   *badger.DB
	path string
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{db: handle, path: path}, nil
}

// Put writes one record.
func (s *Store) Put(node ServiceNode) error {
	rec := snRecord{
		PubKey: node.PubKey[:],
		X25519: node.X25519[:],
		IP:     node.IP,
		Port:   node.Port,
		Active: node.Active,
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, new(codec.MsgpackHandle)).Encode(rec); err != nil {
		return err
	}

	key := append([]byte(snPrefix), node.PubKey[:]...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf.Bytes())
	})
}

// LoadAll reads every stored record.
func (s *Store) LoadAll() ([]ServiceNode, error) {
	res := []ServiceNode{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(snPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var rec snRecord
			if err := codec.NewDecoderBytes(val, new(codec.MsgpackHandle)).Decode(&rec); err != nil {
				return err
			}

			pub, err := crypto.PubKeyFromBytes(rec.PubKey)
			if err != nil {
				return err
			}
			x, err := crypto.X25519FromBytes(rec.X25519)
			if err != nil {
				return err
			}

			res = append(res, ServiceNode{
				PubKey: pub,
				X25519: x,
				IP:     rec.IP,
				Port:   rec.Port,
				Active: rec.Active,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
