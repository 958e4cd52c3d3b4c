// Package keystore persists per-card keys recovered by previous reads, so
// the next read of the same card authenticates on the first attempt.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/oo-developer/cardreader/keys"
	"github.com/sirupsen/logrus"
)

const (
	cardPrefix = "card:"
	// Bundle is the bundle name of keys loaded from the store.
	Bundle = "keystore"
)

// ErrNotFound is returned when no keys are stored for a UID.
var ErrNotFound = errors.New("no keys stored for card")

type Config struct {
	Path     string
	InMemory bool
	Logger   logrus.FieldLogger
}

// Store is a badger backed map from card UID to keys.CardKeys. It
// implements keys.Source at per-card priority.
type Store struct {
	db  *badger.DB
	log logrus.FieldLogger
}

var _ keys.Source = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("key store path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open key store %s: %w", cfg.Path, err)
	}
	return &Store{db: db, log: cfg.Logger.WithField("component", "keystore")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(uid []byte) []byte {
	return []byte(cardPrefix + hex.EncodeToString(uid))
}

// Put replaces the keys stored for k.UID.
func (s *Store) Put(k *keys.CardKeys) error {
	if len(k.UID) == 0 {
		return fmt.Errorf("cannot store keys without a UID")
	}
	value, err := k.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode keys for %x: %w", k.UID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(k.UID), value)
	})
	if err != nil {
		return fmt.Errorf("store keys for %x: %w", k.UID, err)
	}
	s.log.WithFields(logrus.Fields{"uid": hex.EncodeToString(k.UID), "keys": len(k.Keys)}).Debug("stored card keys")
	return nil
}

// Merge adds the keys of k to those already stored for its UID. Entries for
// the same sector and key type are replaced.
func (s *Store) Merge(k *keys.CardKeys) error {
	existing, err := s.Get(k.UID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.Put(k)
	case err != nil:
		return err
	}
	for _, e := range k.Keys {
		existing.Add(e)
	}
	return s.Put(existing)
}

// Get returns the keys stored for uid, or ErrNotFound.
func (s *Store) Get(uid []byte) (*keys.CardKeys, error) {
	var out *keys.CardKeys
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(uid))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ck, err := keys.ParseCardKeys(val, Bundle)
			if err != nil {
				return err
			}
			out = ck
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("load keys for %x: %w", uid, err)
	}
	return out, nil
}

func (s *Store) Delete(uid []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(uid))
	})
	if err != nil {
		return fmt.Errorf("delete keys for %x: %w", uid, err)
	}
	return nil
}

// List returns every stored record in UID order.
func (s *Store) List() ([]*keys.CardKeys, error) {
	var out []*keys.CardKeys
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(cardPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), cardPrefix)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ck, err := keys.ParseCardKeys(val, Bundle)
			if err != nil {
				s.log.WithError(err).WithField("uid", name).Warn("skipping corrupt key record")
				continue
			}
			out = append(out, ck)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list key store: %w", err)
	}
	return out, nil
}

func (s *Store) lookup(tagID []byte) *keys.CardKeys {
	if len(tagID) == 0 {
		return nil
	}
	ck, err := s.Get(tagID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WithError(err).Warn("key store lookup failed")
		}
		return nil
	}
	return ck
}

func (s *Store) Candidates(sector int, keyType keys.KeyType, tagID []byte) []keys.Candidate {
	if ck := s.lookup(tagID); ck != nil {
		return ck.Candidates(sector, keyType, tagID)
	}
	return nil
}

func (s *Store) ProperKeys(tagID []byte) []keys.Candidate {
	if ck := s.lookup(tagID); ck != nil {
		return ck.ProperKeys(tagID)
	}
	return nil
}
