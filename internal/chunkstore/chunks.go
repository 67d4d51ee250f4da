package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ChunkRecord is one embedded slice of a source document.
type ChunkRecord struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	Vector    []float32 `json:"vector,omitempty"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredChunk pairs a chunk with its similarity to a query vector.
type ScoredChunk struct {
	Chunk ChunkRecord
	Score float32
}

// PutChunks replaces every chunk stored for path in one transaction, so a
// re-ingest never leaves stale trailing chunks behind. Index, ID, and Path
// are assigned here from the slice order.
func (s *Store) PutChunks(ctx context.Context, path string, records []ChunkRecord) error {
	now := time.Now().UTC()
	return s.withTx(true, func(tx *badger.Txn) error {
		if err := deletePrefix(tx, chunkPathPrefix(path)); err != nil {
			return err
		}
		for i := range records {
			rec := records[i]
			rec.Path = path
			rec.Index = i
			rec.ID = fmt.Sprintf("%s#%d", path, i)
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal chunk %d: %w", i, err)
			}
			if err := tx.Set(chunkKey(path, i), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChunksForPath returns the stored chunks of one file in index order.
func (s *Store) ChunksForPath(ctx context.Context, path string) ([]ChunkRecord, error) {
	var out []ChunkRecord
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = chunkPathPrefix(path)
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec ChunkRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Path != path {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunks for %s: %w", path, err)
	}
	return out, nil
}

// DeleteForPath drops all chunks and derived records of one file.
func (s *Store) DeleteForPath(ctx context.Context, path string) error {
	return s.withTx(true, func(tx *badger.Txn) error {
		if err := deletePrefix(tx, chunkPathPrefix(path)); err != nil {
			return err
		}
		return deletePrefix(tx, derivedPathPrefix(path))
	})
}

// RenamePath re-keys chunks and derived records after a file move, keeping
// study material joined to the file it came from.
func (s *Store) RenamePath(ctx context.Context, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	chunks, err := s.ChunksForPath(ctx, oldPath)
	if err != nil {
		return err
	}
	derived, err := s.DerivedForPath(ctx, oldPath, "")
	if err != nil {
		return err
	}
	return s.withTx(true, func(tx *badger.Txn) error {
		if err := deletePrefix(tx, chunkPathPrefix(oldPath)); err != nil {
			return err
		}
		if err := deletePrefix(tx, derivedPathPrefix(oldPath)); err != nil {
			return err
		}
		for _, rec := range chunks {
			rec.Path = newPath
			rec.ID = fmt.Sprintf("%s#%d", newPath, rec.Index)
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := tx.Set(chunkKey(newPath, rec.Index), val); err != nil {
				return err
			}
		}
		for _, rec := range derived {
			rec.Path = newPath
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := tx.Set(derivedKey(newPath, rec.Kind, rec.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindSimilar scans all chunks and returns those whose embedding scores at
// least minScore against vector, best first. Vectors are expected to be
// normalized, so the dot product is the cosine similarity.
func (s *Store) FindSimilar(ctx context.Context, vector []float32, minScore float32, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		limit = 10
	}
	var results []ScoredChunk
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chunkPrefix + ":")
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec ChunkRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if len(rec.Vector) == 0 {
				continue
			}
			score := dotProduct(vector, rec.Vector)
			if score >= minScore {
				results = append(results, ScoredChunk{Chunk: rec, Score: score})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(results, func(a, b ScoredChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
