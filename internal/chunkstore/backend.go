// Package chunkstore persists ingested chunks, their embeddings, and the
// derived study records in a BadgerDB keyspace under the librarian home.
// Everything here is rebuildable from the library files, so losing it costs
// a re-ingest rather than data.
package chunkstore

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Store wraps a BadgerDB instance holding chunk and derived-record data.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLoggerAdapter bridges slog to badger's logger interface. Badger is
// chatty at INFO, so its informational output is demoted to debug.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens (or creates) the chunk store at dir. An empty dir opens an
// in-memory store, which tests use.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chunkstore dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chunkstore: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when update is true.
func (s *Store) withTx(update bool, fn func(tx *badger.Txn) error) error {
	tx := s.db.NewTransaction(update)
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	if update {
		return tx.Commit()
	}
	return nil
}

// Stats summarizes store contents for status reporting.
type Stats struct {
	Chunks  int `json:"chunks"`
	Derived int `json:"derived"`
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *badger.Txn) error {
		st.Chunks = countPrefix(tx, []byte(chunkPrefix+":"))
		st.Derived = countPrefix(tx, []byte(derivedPrefix+":"))
		return nil
	})
	return st, err
}

func countPrefix(tx *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.NewIterator(opts)
	defer it.Close()
	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// deletePrefix removes every key under prefix within an open write
// transaction. Keys are collected first; deleting while iterating is
// undefined in badger.
func deletePrefix(tx *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
