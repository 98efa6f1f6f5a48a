package storage

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var ErrValueTooLarge = errors.New("storage: value exceeds size limit")

var (
	bucketProfiles = []byte("profiles")
	bucketRoomKV   = []byte("roomkv")
)

// DB wraps the bbolt database holding profiles and the per-project
// key-value store. One DB is shared by the whole process; bbolt serializes
// writers internally.
type DB struct {
	bolt *bolt.DB
	// MaxValueBytes bounds a single key-value entry written by a sandboxed
	// script.
	MaxValueBytes int
}

func NewDB(db *bolt.DB, maxValueBytes int) (*DB, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProfiles); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRoomKV)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &DB{bolt: db, MaxValueBytes: maxValueBytes}, nil
}

// Profile returns the stored profile blob for a uid, if any.
func (d *DB) Profile(uid string) (string, bool, error) {
	var out []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProfiles).Get([]byte(uid))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return string(out), out != nil, nil
}

func (d *DB) SetProfile(uid, blob string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).Put([]byte(uid), []byte(blob))
	})
}

// KVGet reads one key from a project's key-value bucket.
func (d *DB) KVGet(project, key string) (string, bool, error) {
	var out []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoomKV).Bucket([]byte(SanitizeName(project)))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return string(out), out != nil, nil
}

// KVSet writes one key into a project's key-value bucket, enforcing the
// per-entry size bound.
func (d *DB) KVSet(project, key, value string) error {
	if d.MaxValueBytes > 0 && len(value) > d.MaxValueBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), d.MaxValueBytes)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketRoomKV).CreateBucketIfNotExists([]byte(SanitizeName(project)))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}
