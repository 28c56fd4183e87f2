package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var namespaceBuckets = map[Namespace][]byte{
	NamespaceOutbound: []byte("outbound"),
	NamespaceInbound:  []byte("inbound"),
	NamespaceRelay:    []byte("relay"),
}

// BoltStore is the default pending store, backed by a single bbolt database
// file with one bucket per namespace. The three namespaces coexist in one
// file and each iterates in key order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and ensures
// the three namespace buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open pending store database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range namespaceBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", bucket)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(ns Namespace, key string) (*Entry, bool, error) {
	bucket, ok := namespaceBuckets[ns]
	if !ok {
		return nil, false, fmt.Errorf("store: unknown namespace %q", ns)
	}

	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return errors.Wrap(err, "failed to decode pending entry")
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry != nil, nil
}

func (s *BoltStore) Put(ns Namespace, key string, entry *Entry) error {
	bucket, ok := namespaceBuckets[ns]
	if !ok {
		return fmt.Errorf("store: unknown namespace %q", ns)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to encode pending entry")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) Delete(ns Namespace, key string) error {
	bucket, ok := namespaceBuckets[ns]
	if !ok {
		return fmt.Errorf("store: unknown namespace %q", ns)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) IterExpired(ns Namespace, now time.Time) ([]*Entry, error) {
	bucket, ok := namespaceBuckets[ns]
	if !ok {
		return nil, fmt.Errorf("store: unknown namespace %q", ns)
	}

	var expired []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "failed to decode pending entry during sweep")
			}
			if !e.ExpiresAt.After(now) {
				expired = append(expired, &e)
			}
		}
		return nil
	})
	return expired, err
}

func (s *BoltStore) ClearForSubscription(subID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range namespaceBuckets {
			b := tx.Bucket(bucket)
			c := b.Cursor()

			var toDelete [][]byte
			var toUpdate []struct {
				key  []byte
				data []byte
			}

			for k, v := c.First(); k != nil; k, v = c.Next() {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return errors.Wrap(err, "failed to decode pending entry during unsubscribe")
				}
				if !e.HasSubscription(subID) {
					continue
				}
				delete(e.SubscriptionIDs, subID)
				if len(e.SubscriptionIDs) == 0 {
					key := append([]byte(nil), k...)
					toDelete = append(toDelete, key)
					continue
				}
				data, err := json.Marshal(&e)
				if err != nil {
					return errors.Wrap(err, "failed to encode pending entry during unsubscribe")
				}
				toUpdate = append(toUpdate, struct {
					key  []byte
					data []byte
				}{append([]byte(nil), k...), data})
			}

			for _, key := range toDelete {
				if err := b.Delete(key); err != nil {
					return err
				}
			}
			for _, u := range toUpdate {
				if err := b.Put(u.key, u.data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
