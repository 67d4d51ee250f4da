package chunkstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gracekernel/librarian/internal/chunkstore"
)

func openTestStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	s, err := chunkstore.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutChunks_RoundTripsInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := "/library/books/go_book.pdf"

	records := []chunkstore.ChunkRecord{
		{Text: "Chapter one.", Tokens: 3, Vector: []float32{1, 0}, Checksum: "abc"},
		{Text: "Chapter two.", Tokens: 3, Vector: []float32{0, 1}, Checksum: "abc"},
		{Text: "Chapter three.", Tokens: 3, Checksum: "abc"},
	}
	require.NoError(t, s.PutChunks(ctx, path, records))

	got, err := s.ChunksForPath(ctx, path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, i, rec.Index)
		assert.Equal(t, path, rec.Path)
		assert.Equal(t, fmt.Sprintf("%s#%d", path, i), rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
	}
	assert.Equal(t, "Chapter one.", got[0].Text)
	assert.Equal(t, []float32{0, 1}, got[1].Vector)
}

func TestPutChunks_ReplacesPreviousIngest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := "/library/knowledge/notes.md"

	first := make([]chunkstore.ChunkRecord, 5)
	for i := range first {
		first[i] = chunkstore.ChunkRecord{Text: fmt.Sprintf("старое %d", i)}
	}
	require.NoError(t, s.PutChunks(ctx, path, first))

	second := []chunkstore.ChunkRecord{
		{Text: "fresh chunk a"},
		{Text: "fresh chunk b"},
	}
	require.NoError(t, s.PutChunks(ctx, path, second))

	got, err := s.ChunksForPath(ctx, path)
	require.NoError(t, err)
	require.Len(t, got, 2, "stale trailing chunks must not survive a re-ingest")
	assert.Equal(t, "fresh chunk a", got[0].Text)
}

func TestDeleteForPath_RemovesChunksAndDerived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := "/library/finance/statement.pdf"

	require.NoError(t, s.PutChunks(ctx, path, []chunkstore.ChunkRecord{{Text: "total due"}}))
	require.NoError(t, s.ReplaceDerived(ctx, path, []chunkstore.DerivedRecord{
		{Kind: chunkstore.DerivedSummary, Text: "July statement summary"},
	}))

	require.NoError(t, s.DeleteForPath(ctx, path))

	chunks, err := s.ChunksForPath(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	derived, err := s.DerivedForPath(ctx, path, "")
	require.NoError(t, err)
	assert.Empty(t, derived)
}

func TestRenamePath_CarriesChunksAndDerived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	oldPath := "/inbox/go_book.pdf"
	newPath := "/library/books/go_book.pdf"

	require.NoError(t, s.PutChunks(ctx, oldPath, []chunkstore.ChunkRecord{
		{Text: "first"}, {Text: "second"},
	}))
	require.NoError(t, s.ReplaceDerived(ctx, oldPath, []chunkstore.DerivedRecord{
		{Kind: chunkstore.DerivedFlashcard, Question: "Q", Answer: "A"},
	}))

	require.NoError(t, s.RenamePath(ctx, oldPath, newPath))

	old, err := s.ChunksForPath(ctx, oldPath)
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := s.ChunksForPath(ctx, newPath)
	require.NoError(t, err)
	require.Len(t, moved, 2)
	assert.Equal(t, newPath, moved[0].Path)
	assert.Equal(t, newPath+"#0", moved[0].ID)

	cards, err := s.DerivedForPath(ctx, newPath, chunkstore.DerivedFlashcard)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, newPath, cards[0].Path)
}

func TestFindSimilar_OrdersByScoreAndHonorsThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutChunks(ctx, "/library/a.txt", []chunkstore.ChunkRecord{
		{Text: "exact match", Vector: []float32{1, 0}},
	}))
	require.NoError(t, s.PutChunks(ctx, "/library/b.txt", []chunkstore.ChunkRecord{
		{Text: "close match", Vector: []float32{0.7071, 0.7071}},
	}))
	require.NoError(t, s.PutChunks(ctx, "/library/c.txt", []chunkstore.ChunkRecord{
		{Text: "orthogonal", Vector: []float32{0, 1}},
		{Text: "no embedding yet"},
	}))

	results, err := s.FindSimilar(ctx, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact match", results[0].Chunk.Text)
	assert.Equal(t, "close match", results[1].Chunk.Text)
	assert.Greater(t, results[0].Score, results[1].Score)

	top, err := s.FindSimilar(ctx, []float32{1, 0}, 0.5, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "exact match", top[0].Chunk.Text)
}

func TestReplaceDerived_FiltersByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := "/library/knowledge/raft_paper.pdf"

	require.NoError(t, s.ReplaceDerived(ctx, path, []chunkstore.DerivedRecord{
		{Kind: chunkstore.DerivedSummary, Text: "Raft in one paragraph"},
		{Kind: chunkstore.DerivedFlashcard, Question: "What is a term?", Answer: "A logical clock epoch."},
		{Kind: chunkstore.DerivedFlashcard, Question: "Who votes?", Answer: "Followers."},
	}))

	cards, err := s.DerivedForPath(ctx, path, chunkstore.DerivedFlashcard)
	require.NoError(t, err)
	assert.Len(t, cards, 2)

	all, err := s.DerivedForPath(ctx, path, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.ReplaceDerived(ctx, path, []chunkstore.DerivedRecord{
		{Kind: chunkstore.DerivedSummary, Text: "Shorter summary"},
	}))
	all, err = s.DerivedForPath(ctx, path, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "replace must drop prior derived records")
}

func TestStats_CountsFamilies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutChunks(ctx, "/library/a.md", []chunkstore.ChunkRecord{
		{Text: "one"}, {Text: "two"},
	}))
	require.NoError(t, s.ReplaceDerived(ctx, "/library/a.md", []chunkstore.DerivedRecord{
		{Kind: chunkstore.DerivedSummary, Text: "s"},
	}))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, 1, st.Derived)
}

func TestOpen_OnDiskPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := "/library/media/talk.mp3"

	s, err := chunkstore.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutChunks(ctx, path, []chunkstore.ChunkRecord{{Text: "transcript"}}))
	require.NoError(t, s.Close())

	reopened, err := chunkstore.Open(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ChunksForPath(ctx, path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "transcript", got[0].Text)
}
