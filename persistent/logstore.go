package persistent

// Bolt is a pure Go key/value store  that don't require a full database server such as Postgres or MySQL
import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/raft-core/common"
)

var logsBucketName = []byte("logs")

// DbLogStore is a log store implementation backed by a Bolt DB
type DbLogStore struct {
	db *bolt.DB
}

var _ common.LogStore = DbLogStore{}

func CreateDbLogStore(dataBaseFilePath string) (DbLogStore, error) {
	// Open the .db data file in your current directory.
	// It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return DbLogStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return DbLogStore{}, err
	}

	return DbLogStore{
		db: db,
	}, nil
}

// lastKey returns the index of the last stored entry, 0 for an empty log.
func lastKey(bucket *bolt.Bucket) int64 {
	k, _ := bucket.Cursor().Last()
	if k == nil {
		return 0
	}
	return bytesToInt64(k)
}

// Append writes all entries in a single transaction, either all of them
// are stored or none.
func (d DbLogStore) Append(entries ...common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		next := lastKey(bucket) + 1
		for _, entry := range entries {
			if entry.Index != next {
				return fmt.Errorf("%w: got index %d, expected %d", common.ErrNonContiguous, entry.Index, next)
			}
			val, err := EncodeToBytes(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(int64ToBytes(entry.Index), val); err != nil {
				return err
			}
			next++
		}
		return nil
	})
}

func (d DbLogStore) EntryAt(index int64) (*common.LogEntry, error) {
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		if index < 1 {
			return fmt.Errorf("%w: index %d", common.ErrNotFound, index)
		}
		val := tx.Bucket(logsBucketName).Get(int64ToBytes(index))
		if val == nil {
			return fmt.Errorf("%w: index %d", common.ErrNotFound, index)
		}
		var err error
		entry, err = DecodeToLogEntry(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d DbLogStore) TruncateSuffixFrom(index int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		// collect first, deleting under a live cursor skips keys
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(int64ToBytes(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d DbLogStore) LastIndex() (int64, error) {
	var last int64
	err := d.db.View(func(tx *bolt.Tx) error {
		last = lastKey(tx.Bucket(logsBucketName))
		return nil
	})
	return last, err
}

func (d DbLogStore) LastTerm() (int64, error) {
	var term int64
	err := d.db.View(func(tx *bolt.Tx) error {
		_, val := tx.Bucket(logsBucketName).Cursor().Last()
		if val == nil {
			return nil
		}
		entry, err := DecodeToLogEntry(val)
		term = entry.Term
		return err
	})
	return term, err
}

func (d DbLogStore) Close() error {
	return d.db.Close()
}
