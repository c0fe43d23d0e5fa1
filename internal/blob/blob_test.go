package blob

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWriteAndRead(t *testing.T) {
	s := newTestStore(t)

	data := []byte("handwritten note page content")
	sum, size, existed, err := s.Write(1, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ContentHash(data), sum)
	assert.Equal(t, int64(len(data)), size)
	assert.False(t, existed)

	got, err := s.ReadAll(1, sum)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWrite_Dedup(t *testing.T) {
	s := newTestStore(t)

	data := []byte("same content twice")
	sum1, _, existed, err := s.Write(1, bytes.NewReader(data))
	require.NoError(t, err)
	assert.False(t, existed)

	sum2, size, existed, err := s.Write(1, bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, sum1, sum2)
	assert.Equal(t, int64(len(data)), size)

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Join(s.root, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWrite_PerUserPartition(t *testing.T) {
	s := newTestStore(t)

	data := []byte("shared bytes")
	sum, _, _, err := s.Write(1, bytes.NewReader(data))
	require.NoError(t, err)

	// Same content under another user is stored independently.
	_, _, existed, err := s.Write(2, bytes.NewReader(data))
	require.NoError(t, err)
	assert.False(t, existed)

	assert.True(t, s.Exists(1, sum))
	assert.True(t, s.Exists(2, sum))

	require.NoError(t, s.Remove(2, sum))
	assert.True(t, s.Exists(1, sum), "removing user 2's copy must not touch user 1's")
	assert.False(t, s.Exists(2, sum))
}

func TestOpen_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Open(1, "d41d8cd98f00b204e9800998ecf8427e")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_CorruptionDetected(t *testing.T) {
	s := newTestStore(t)

	data := []byte("original page data")
	sum, _, _, err := s.Write(1, bytes.NewReader(data))
	require.NoError(t, err)

	// Swap the stored file for a valid zstd stream of different content.
	other := []byte("tampered page data")
	otherSum, _, _, err := s.Write(1, bytes.NewReader(other))
	require.NoError(t, err)
	raw, err := os.ReadFile(s.path(1, otherSum))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(1, sum), raw, 0o644))

	rc, err := s.Open(1, sum)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestRemove_Idempotent(t *testing.T) {
	s := newTestStore(t)

	sum, _, _, err := s.Write(1, strings.NewReader("soon gone"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(1, sum))
	require.NoError(t, s.Remove(1, sum))
	assert.False(t, s.Exists(1, sum))
}

func TestList(t *testing.T) {
	s := newTestStore(t)

	sum1, _, _, err := s.Write(1, strings.NewReader("page one"))
	require.NoError(t, err)
	sum2, _, _, err := s.Write(1, strings.NewReader("page two"))
	require.NoError(t, err)
	_, _, _, err = s.Write(2, strings.NewReader("other user"))
	require.NoError(t, err)

	hashes, err := s.List(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{sum1, sum2}, hashes)

	// Unknown user has no partition yet.
	hashes, err = s.List(42)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestStoredSize(t *testing.T) {
	s := newTestStore(t)

	sum, _, _, err := s.Write(1, strings.NewReader("compressible compressible compressible"))
	require.NoError(t, err)

	n, err := s.StoredSize(1, sum)
	require.NoError(t, err)
	assert.Positive(t, n)

	_, err = s.StoredSize(1, "0000000000000000000000000000000f")
	assert.ErrorIs(t, err, ErrNotFound)
}
