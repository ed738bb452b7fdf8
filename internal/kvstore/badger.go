package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded store in a local directory. The database is
// opened by the first operation, not by the constructor.
type BadgerStore struct {
	dir string
	ttl time.Duration

	openOnce sync.Once
	db       *badger.DB
	openErr  error

	// mu is held for reading by every operation, so Close waits for
	// running transactions.
	mu     sync.RWMutex
	closed bool
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("badger store closed")

// NewBadgerStore creates a store rooted at dir.
func NewBadgerStore(dir string, ttl time.Duration) *BadgerStore {
	return &BadgerStore{dir: dir, ttl: ttl}
}

// acquire opens the database on first use and returns it with a read lock
// held. The caller must call release when its transaction is done.
func (s *BadgerStore) acquire() (db *badger.DB, release func(), err error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, nil, ErrStoreClosed
	}
	s.openOnce.Do(func() {
		if err := os.MkdirAll(s.dir, 0750); err != nil {
			s.openErr = fmt.Errorf("failed to create store dir: %w", err)
			return
		}
		opts := badger.DefaultOptions(s.dir).WithLogger(nil)
		s.db, s.openErr = badger.Open(opts)
		if s.openErr != nil {
			s.openErr = fmt.Errorf("failed to open badger store: %w", s.openErr)
		}
	})
	if s.openErr != nil {
		s.mu.RUnlock()
		return nil, nil, s.openErr
	}
	return s.db, s.mu.RUnlock, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var out []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	return db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Clear drops every key in the store.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return db.DropAll()
}

// Close closes the database if it was opened.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
