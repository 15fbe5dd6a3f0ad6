package persistent

import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/raft-core/common"
)

var stateBucketName = []byte("state")

type PStore struct {
	db *bolt.DB
}

var _ common.PersistentStore = PStore{}

func NewPStore(dataBaseFilePath string) (PStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return PStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return PStore{}, err
	}

	return PStore{
		db: db,
	}, nil
}

func (store PStore) Set(key, value []byte) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		return bucket.Put(key, value)
	})
}

// Get copies the value out, bolt memory is only valid inside the transaction.
func (store PStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		v := bucket.Get(key)
		if v == nil {
			return fmt.Errorf("%w: key %q", common.ErrNotFound, key)
		}
		val = append([]byte{}, v...)
		return nil
	})
	return val, err
}

func (store PStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	var val []byte
	err := store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		v := bucket.Get(key)
		if v == nil {
			val = defaultVal
			return bucket.Put(key, defaultVal)
		}
		val = append([]byte{}, v...)
		return nil
	})
	return val, err
}

func (store PStore) Close() error {
	return store.db.Close()
}
