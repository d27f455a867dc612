// Package prefs persists small user preferences between sessions, such as
// the metrics that were enabled last time.
package prefs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// KeyLastUsedMetrics holds the comma separated names of the metrics that
// were enabled most recently.
const KeyLastUsedMetrics = "last_used_metrics"

var bucketName = []byte("prefs")

// Store reads and writes string preferences.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// BoltStore keeps preferences in a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the preferences file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open prefs %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create prefs bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string) (value string, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			value, ok = string(v), true
		}
		return nil
	})
	return value, ok, err
}

func (s *BoltStore) Set(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]string)}
}

func (s *MemStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// LastUsedMetrics returns the metric names stored under KeyLastUsedMetrics.
func LastUsedMetrics(s Store) ([]string, error) {
	v, ok, err := s.Get(KeyLastUsedMetrics)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	return strings.Split(v, ","), nil
}

// SetLastUsedMetrics stores names under KeyLastUsedMetrics.
func SetLastUsedMetrics(s Store, names []string) error {
	return s.Set(KeyLastUsedMetrics, strings.Join(names, ","))
}
