// chunks_test.go - Tests for on-disk chunk storage
package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestChunkStore(t *testing.T) *ChunkStore {
	t.Helper()
	store, err := NewChunkStore(filepath.Join(t.TempDir(), "chunks"))
	require.NoError(t, err)
	return store
}

func TestChunkStore_SaveAndAssemble(t *testing.T) {
	store := createTestChunkStore(t)
	id := uuid.New().String()
	parts := []string{"alpha-", "bravo-", "charlie"}

	// out of order on purpose
	for _, i := range []int{2, 0, 1} {
		n, err := store.SaveChunk(id, i, strings.NewReader(parts[i]), 16)
		require.NoError(t, err)
		assert.Equal(t, int64(len(parts[i])), n)
	}

	dst := filepath.Join(t.TempDir(), "assembled", "out.zip")
	total, err := store.Assemble(id, len(parts), dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len("alpha-bravo-charlie")), total)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "alpha-bravo-charlie", string(data))

	_, err = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(err), "part file must not linger")
}

func TestChunkStore_SaveChunkTooLarge(t *testing.T) {
	store := createTestChunkStore(t)
	id := uuid.New().String()

	_, err := store.SaveChunk(id, 0, bytes.NewReader(make([]byte, 11)), 10)
	assert.ErrorIs(t, err, ErrChunkTooLarge)

	entries, err := os.ReadDir(filepath.Join(store.Root(), id))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected chunk leaves nothing behind")
}

func TestChunkStore_SaveChunkExact(t *testing.T) {
	store := createTestChunkStore(t)
	id := uuid.New().String()

	_, err := store.SaveChunkExact(id, 0, strings.NewReader("abc"), 4)
	assert.ErrorIs(t, err, ErrChunkShort)
	_, err = store.SaveChunkExact(id, 0, strings.NewReader("abcde"), 4)
	assert.ErrorIs(t, err, ErrChunkTooLarge)

	entries, err := os.ReadDir(filepath.Join(store.Root(), id))
	require.NoError(t, err)
	assert.Empty(t, entries, "wrongly sized chunks are never committed")

	n, err := store.SaveChunkExact(id, 0, strings.NewReader("abcd"), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestChunkStore_SaveChunkOverwrites(t *testing.T) {
	store := createTestChunkStore(t)
	id := uuid.New().String()

	_, err := store.SaveChunk(id, 0, strings.NewReader("first"), 0)
	require.NoError(t, err)
	_, err = store.SaveChunk(id, 0, strings.NewReader("second"), 0)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	_, err = store.Assemble(id, 1, dst)
	require.NoError(t, err)
	data, _ := os.ReadFile(dst)
	assert.Equal(t, "second", string(data))
}

func TestChunkStore_AssembleMissingChunk(t *testing.T) {
	store := createTestChunkStore(t)
	id := uuid.New().String()
	_, err := store.SaveChunk(id, 0, strings.NewReader("a"), 0)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	_, err = store.Assemble(id, 2, dst)
	assert.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestChunkStore_RejectsInvalidSessionID(t *testing.T) {
	store := createTestChunkStore(t)
	_, err := store.SaveChunk("../escape", 0, strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, store.DeleteChunks("../../etc"), ErrInvalidKey)
}

func TestChunkStore_ListAndDelete(t *testing.T) {
	store := createTestChunkStore(t)
	a, b := uuid.New().String(), uuid.New().String()
	for _, id := range []string{a, b} {
		_, err := store.SaveChunk(id, 0, strings.NewReader("x"), 0)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "not-a-session"), 0755))

	dirs, err := store.ListSessionDirs()
	require.NoError(t, err)
	assert.Len(t, dirs, 2)

	require.NoError(t, store.DeleteChunks(a))
	require.NoError(t, store.DeleteChunks(a), "deleting twice is fine")

	dirs, err = store.ListSessionDirs()
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, b, dirs[0].SessionID)
}
