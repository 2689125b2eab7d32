package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is a CacheProvider backed by a single SQLite database.
// All named caches share the `entries` table, partitioned by cache name.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache provider with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:offline-cache-%d?mode=memory&cache=shared", time.Now().UnixNano())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	// a single connection keeps shared in-memory databases alive and avoids
	// SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS caches (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return sqliteStore{name: name, provider: s}, nil
}

func (s SQLiteCache) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM caches ORDER BY seq ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	name     string
	provider SQLiteCache
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Get(key string) (CacheEntry, bool, error) {
	var storedAt int64
	entry := CacheEntry{Key: key}
	err := s.provider.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE cache = ? AND key = ?",
		s.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	return entry, true, nil
}

func (s sqliteStore) Put(entry CacheEntry) error {
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()
	result, err := s.provider.db.Exec(`INSERT OR REPLACE INTO entries (cache, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM caches WHERE name = ?)`,
		s.name, entry.Key, entry.StoredAt.UnixMilli(), entry.Bytes, s.name)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrCacheDeleted
	}
	return nil
}

func (s sqliteStore) Purge(key string) error {
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()
	_, err := s.provider.db.Exec("DELETE FROM entries WHERE cache = ? AND key = ?", s.name, key)
	return err
}

func (s sqliteStore) Has(key string) bool {
	var one int
	err := s.provider.db.QueryRow("SELECT 1 FROM entries WHERE cache = ? AND key = ?", s.name, key).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Warn().Err(err).Str("cache", s.name).Str("key", key).Msg("Could not read from cache")
	}
	return err == nil
}

func (s sqliteStore) AllKeys(cb func(string)) error {
	rows, err := s.provider.db.Query("SELECT key FROM entries WHERE cache = ? ORDER BY key", s.name)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	// the single connection is free again, cb may use the cache
	for _, key := range keys {
		cb(key)
	}
	return nil
}
