package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// DerivedKind labels records built from ingested chunks.
type DerivedKind string

const (
	DerivedSummary   DerivedKind = "summary"
	DerivedFlashcard DerivedKind = "flashcard"
)

// DerivedRecord is an insight produced by the fleet: a per-file summary or
// a question/answer study pair, linked to its source path.
type DerivedRecord struct {
	ID        string      `json:"id"`
	Path      string      `json:"path"`
	Kind      DerivedKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Question  string      `json:"question,omitempty"`
	Answer    string      `json:"answer,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ReplaceDerived swaps all derived records for path in one transaction, so
// re-running the insight maker never duplicates study material.
func (s *Store) ReplaceDerived(ctx context.Context, path string, records []DerivedRecord) error {
	now := time.Now().UTC()
	return s.withTx(true, func(tx *badger.Txn) error {
		if err := deletePrefix(tx, derivedPathPrefix(path)); err != nil {
			return err
		}
		for i := range records {
			rec := records[i]
			rec.Path = path
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			if rec.Kind == "" {
				rec.Kind = DerivedSummary
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal derived record: %w", err)
			}
			if err := tx.Set(derivedKey(path, rec.Kind, rec.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DerivedForPath lists derived records for path, optionally filtered by
// kind. An empty kind returns everything.
func (s *Store) DerivedForPath(ctx context.Context, path string, kind DerivedKind) ([]DerivedRecord, error) {
	var out []DerivedRecord
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = derivedPathPrefix(path)
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec DerivedRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Path != path {
				continue
			}
			if kind != "" && rec.Kind != kind {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("derived for %s: %w", path, err)
	}
	return out, nil
}
