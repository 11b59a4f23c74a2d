package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

var (
	// ErrStoreNotFound is returned when operating on a store that was never opened or was deleted.
	ErrStoreNotFound = errors.New("cache store not found")
	// ErrLocked is returned when another process owns the cache database.
	ErrLocked = errors.New("cache database is locked by another process")
)

// CacheProvider is an interface for a cache provider.
// It keeps named stores (one per cache version), each a key to []byte mapping
// where the values are serialized HTTP responses.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the named store if it does not exist yet.
	Open(store string) error
	// Stores returns the names of all existing stores.
	Stores() ([]string, error)
	// Delete removes the named store and all its entries.
	Delete(store string) error
	// Get returns the stored bytes for the key and whether it was found.
	Get(store, key string) ([]byte, bool, error)
	// Put stores the bytes under the key, replacing any existing entry.
	Put(store, key string, bytes []byte) error
	// Keys calls the given callback for each key in the store.
	Keys(store string, cb func(string)) error
	// Close releases the resources held by the provider.
	Close() error
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemCache) Open(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[store]; !ok {
		m.db[store] = make(map[string][]byte)
	}
	return nil
}

func (m MemCache) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stores := make([]string, 0, len(m.db))
	for name := range m.db {
		stores = append(stores, name)
	}
	sort.Strings(stores)
	return stores, nil
}

func (m MemCache) Delete(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, store)
	return nil
}

func (m MemCache) Get(store, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[store]
	if !ok {
		return nil, false, ErrStoreNotFound
	}
	bytes, ok := entries[key]
	return bytes, ok, nil
}

func (m MemCache) Put(store, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[store]
	if !ok {
		return ErrStoreNotFound
	}
	entries[key] = bytes
	return nil
}

func (m MemCache) Keys(store string, cb func(string)) error {
	m.mutex.RLock()
	entries, ok := m.db[store]
	if !ok {
		m.mutex.RUnlock()
		return ErrStoreNotFound
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	lock       *flock.Flock
}

// NewSQLiteCache opens the cache database in the given file.
// If the file name is empty, a new private in-memory db is opened.
// A file database is locked for the lifetime of the cache so that
// only one process manages its stores.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	var lock *flock.Flock
	memory := filename == ""
	if memory {
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		lock = flock.New(filename + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return SQLiteCache{}, fmt.Errorf("lock cache database: %w", err)
		}
		if !locked {
			return SQLiteCache{}, ErrLocked
		}
	}
	s, err := openSQLite(filename)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return SQLiteCache{}, err
	}
	if memory {
		// the in-memory db lives as long as its single connection
		s.db.SetMaxOpenConns(1)
		s.db.SetConnMaxLifetime(0)
	}
	s.lock = lock
	return s, nil
}

func openSQLite(filename string) (SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open cache database: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("prepare cache database: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", store, time.Now().Unix())
	return err
}

func (s SQLiteCache) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stores := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return stores, err
		}
		stores = append(stores, name)
	}
	return stores, rows.Err()
}

func (s SQLiteCache) Delete(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", store); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM stores WHERE name = ?", store); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Get(store, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE store = ? AND key = ?", store, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		if !s.has(store) {
			return nil, false, ErrStoreNotFound
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(store, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if !s.has(store) {
		return ErrStoreNotFound
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		store, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Keys(store string, cb func(string)) error {
	if !s.has(store) {
		return ErrStoreNotFound
	}
	rows, err := s.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", store)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); err == nil {
			err = unlockErr
		}
	}
	return err
}

func (s SQLiteCache) has(store string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM stores WHERE name = ?", store).Scan(&one)
	return err == nil
}
