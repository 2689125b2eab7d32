package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var rootBucket = []byte("caches")

// BoltCache is a CacheProvider backed by a bbolt file.
// Every named cache is a nested bucket below the root "caches" bucket.
type BoltCache struct{ db *bbolt.DB }

// NewBoltCache opens (or creates) the bbolt database at path.
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(rootBucket)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

func (b *BoltCache) Open(name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(name))
		return e
	})
	if err != nil {
		return nil, err
	}
	return &boltStore{name: name, db: b.db}, nil
}

// Names returns the cache names in byte order.
func (b *BoltCache) Names() ([]string, error) {
	names := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(rootBucket).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (b *BoltCache) Delete(name string) (bool, error) {
	var deleted bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(rootBucket).DeleteBucket([]byte(name))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		deleted = err == nil
		return err
	})
	return deleted, err
}

func (b *BoltCache) Close() error {
	return b.db.Close()
}

type boltStore struct {
	name string
	db   *bbolt.DB
}

func (s *boltStore) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(rootBucket).Bucket([]byte(s.name))
}

func (s *boltStore) Name() string {
	return s.name
}

func (s *boltStore) Get(key string) (CacheEntry, bool, error) {
	var (
		entry CacheEntry
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bkt := s.bucket(tx)
		if bkt == nil {
			return nil
		}
		data := bkt.Get([]byte(key))
		if data == nil {
			return nil
		}
		e, err := decodeBoltEntry(key, data)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	return entry, found, err
}

func (s *boltStore) Put(entry CacheEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := s.bucket(tx)
		if bkt == nil {
			return ErrCacheDeleted
		}
		return bkt.Put([]byte(entry.Key), encodeBoltEntry(entry))
	})
}

func (s *boltStore) Purge(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := s.bucket(tx)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// Has reports read errors as absent, after logging them.
func (s *boltStore) Has(key string) bool {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		if bkt := s.bucket(tx); bkt != nil {
			ok = bkt.Get([]byte(key)) != nil
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("cache", s.name).Str("key", key).Msg("Could not read from cache")
		return false
	}
	return ok
}

func (s *boltStore) AllKeys(cb func(string)) error {
	keys := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bkt := s.bucket(tx)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// bolt values are the stored-at time (unix millis, big endian) followed by the bytes
func encodeBoltEntry(entry CacheEntry) []byte {
	buf := make([]byte, 8+len(entry.Bytes))
	binary.BigEndian.PutUint64(buf, uint64(entry.StoredAt.UnixMilli()))
	copy(buf[8:], entry.Bytes)
	return buf
}

func decodeBoltEntry(key string, data []byte) (CacheEntry, error) {
	if len(data) < 8 {
		return CacheEntry{}, fmt.Errorf("corrupt entry for key %s", key)
	}
	// bolt memory is only valid during the transaction
	bts := make([]byte, len(data)-8)
	copy(bts, data[8:])
	return CacheEntry{
		Key:      key,
		StoredAt: time.UnixMilli(int64(binary.BigEndian.Uint64(data[:8]))),
		Bytes:    bts,
	}, nil
}
