package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	scansBucketName = "scans"
	indexBucketName = "scan_ids"
)

// ErrNotFound is returned when no record has the requested ID
var ErrNotFound = errors.New("scan record not found")

// DB defines the interface for database operations
type DB interface {
	// SaveRecord saves a scan record to the database
	SaveRecord(record *Record) error

	// GetRecord retrieves a record by ID
	GetRecord(id string) (*Record, error)

	// ListRecords returns a user's records, newest first. A limit of zero returns all of them.
	ListRecords(userID string, limit int) ([]*Record, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Records live in one nested
// bucket per user, keyed by creation time so a reverse cursor walk is newest first.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(scansBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// recordKey sorts by creation time, then ID
func recordKey(r *Record) []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.CreatedAt.UnixNano()))
	return append(key, r.ID...)
}

// SaveRecord saves a scan record to the database
func (b *BoltDB) SaveRecord(record *Record) error {
	if record.ID == "" || record.UserID == "" {
		return errors.New("record needs an id and a user id")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(scansBucketName))
		bucket, err := users.CreateBucketIfNotExists([]byte(record.UserID))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		key := recordKey(record)
		if err := bucket.Put(key, data); err != nil {
			return err
		}

		index, err := json.Marshal(indexEntry{UserID: record.UserID, Key: key})
		if err != nil {
			return fmt.Errorf("marshaling index entry: %w", err)
		}
		return tx.Bucket([]byte(indexBucketName)).Put([]byte(record.ID), index)
	})
}

type indexEntry struct {
	UserID string `json:"user_id"`
	Key    []byte `json:"key"`
}

// GetRecord retrieves a record by ID
func (b *BoltDB) GetRecord(id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(indexBucketName)).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var entry indexEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("unmarshaling index entry: %w", err)
		}
		bucket := tx.Bucket([]byte(scansBucketName)).Bucket([]byte(entry.UserID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		data := bucket.Get(entry.Key)
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns a user's records, newest first
func (b *BoltDB) ListRecords(userID string, limit int) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scansBucketName)).Bucket([]byte(userID))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &record)
			if limit > 0 && len(records) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
