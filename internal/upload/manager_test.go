package upload

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkvault/inkvault/internal/blob"
	"github.com/inkvault/inkvault/internal/quota"
	"github.com/inkvault/inkvault/internal/store"
	"github.com/inkvault/inkvault/internal/vfs"
)

const testUser int64 = 1

type testEnv struct {
	mgr    *Manager
	tree   *vfs.VFS
	blobs  *blob.Store
	quotas *quota.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	quotas := quota.NewTracker(db, 0)
	require.NoError(t, quotas.EnsureUser(context.Background(), testUser))
	tree := vfs.New(db, blobs)

	mgr, err := NewManager(t.TempDir(), tree, blobs, quotas, 30*time.Minute, 1<<20)
	require.NoError(t, err)
	return &testEnv{mgr: mgr, tree: tree, blobs: blobs, quotas: quotas}
}

func TestUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("page one page two page three")
	sess, err := env.mgr.Apply(ctx, testUser, "/NOTE/Note", "daily.note", int64(len(content)))
	require.NoError(t, err)

	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, content[:10]))
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 10, content[10:]))
	assert.Equal(t, int64(len(content)), sess.Received())

	node, err := env.mgr.Finish(ctx, sess.ID, blob.ContentHash(content))
	require.NoError(t, err)
	assert.Equal(t, "daily.note", node.Name)
	assert.Equal(t, int64(len(content)), node.Size)

	got, err := env.blobs.ReadAll(testUser, node.BlobHash)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Session and staging are gone.
	_, err = env.mgr.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, statErr := os.Stat(sess.dir)
	assert.True(t, os.IsNotExist(statErr))

	// Target directory chain was created on apply.
	_, err = env.tree.Resolve(ctx, testUser, "/NOTE/Note/daily.note")
	require.NoError(t, err)
}

func TestUpload_OutOfOrderChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("abcdefghijklmnopqrstuvwxyz")
	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "alpha.txt", int64(len(content)))
	require.NoError(t, err)

	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 20, content[20:]))
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, content[:10]))
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 10, content[10:20]))

	node, err := env.mgr.Finish(ctx, sess.ID, "")
	require.NoError(t, err)

	got, err := env.blobs.ReadAll(testUser, node.BlobHash)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUpload_RetransmitsAndOverlaps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("0123456789ABCDEF")
	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "b.bin", int64(len(content)))
	require.NoError(t, err)

	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, content[:8]))
	// Exact retransmit of a covered range is a free no-op.
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, content[:8]))
	// Retransmit with a different split, overlapping received bytes.
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 4, content[4:16]))

	node, err := env.mgr.Finish(ctx, sess.ID, blob.ContentHash(content))
	require.NoError(t, err)

	got, err := env.blobs.ReadAll(testUser, node.BlobHash)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUpload_FinishIncomplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("needs every byte")
	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "c.bin", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, content[:5]))

	_, err = env.mgr.Finish(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrIncomplete)

	// The session survives an early finish and can still complete.
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 5, content[5:]))
	_, err = env.mgr.Finish(ctx, sess.ID, "")
	require.NoError(t, err)
}

func TestUpload_HashMismatchAbandons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("actual content")
	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "d.bin", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, content))

	_, err = env.mgr.Finish(ctx, sess.ID, blob.ContentHash([]byte("something else")))
	assert.ErrorIs(t, err, ErrHashMismatch)

	// Nothing addressable was left behind.
	assert.False(t, env.blobs.Exists(testUser, blob.ContentHash(content)))
	_, err = env.mgr.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = env.tree.Resolve(ctx, testUser, "/Inbox/d.bin")
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestUpload_ChunkBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "e.bin", 10)
	require.NoError(t, err)

	err = env.mgr.PutChunk(ctx, sess.ID, 8, []byte("too far"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	err = env.mgr.PutChunk(ctx, sess.ID, -1, []byte("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	err = env.mgr.PutChunk(ctx, sess.ID, 0, make([]byte, 2<<20))
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestUpload_ZeroByteFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "empty.txt", 0)
	require.NoError(t, err)

	node, err := env.mgr.Finish(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), node.Size)
}

func TestUpload_QuotaReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.quotas.SetLimit(ctx, testUser, 100))

	_, err := env.mgr.Apply(ctx, testUser, "/Inbox", "huge.bin", 1000)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
}

func TestUpload_SweepExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Apply(ctx, testUser, "/Inbox", "stale.bin", 10)
	require.NoError(t, err)
	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, []byte("12345")))

	env.mgr.now = func() time.Time { return time.Now().Add(time.Hour) }

	assert.ErrorIs(t, env.mgr.PutChunk(ctx, sess.ID, 5, []byte("67890")), ErrSessionExpired)

	reaped := env.mgr.Sweep(ctx)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 0, env.mgr.Active())
	_, statErr := os.Stat(sess.dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpload_ConcurrentFinishLastWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := []byte("content from the first device")
	second := []byte("content from the second device, longer")

	sessA, err := env.mgr.Apply(ctx, testUser, "/NOTE/Note", "shared.note", int64(len(first)))
	require.NoError(t, err)
	sessB, err := env.mgr.Apply(ctx, testUser, "/NOTE/Note", "shared.note", int64(len(second)))
	require.NoError(t, err)

	require.NoError(t, env.mgr.PutChunk(ctx, sessA.ID, 0, first))
	require.NoError(t, env.mgr.PutChunk(ctx, sessB.ID, 0, second))

	_, err = env.mgr.Finish(ctx, sessA.ID, "")
	require.NoError(t, err)
	node, err := env.mgr.Finish(ctx, sessB.ID, "")
	require.NoError(t, err)

	// One live node at the path, holding the last committer's content; the
	// first blob lost its only reference and is gone.
	children, err := env.tree.List(ctx, testUser, node.ParentID)
	require.NoError(t, err)
	names := 0
	for _, c := range children {
		if c.Name == "shared.note" {
			names++
		}
	}
	assert.Equal(t, 1, names)

	got, err := env.blobs.ReadAll(testUser, node.BlobHash)
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.False(t, env.blobs.Exists(testUser, blob.ContentHash(first)))
}

func TestNewManager_WipesStaging(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/leftover-session", 0o755))
	require.NoError(t, os.WriteFile(dir+"/leftover-session/part-0", []byte("stale"), 0o644))

	env := newTestEnv(t)
	_ = env

	mgr, err := NewManager(dir, env.tree, env.blobs, env.quotas, time.Minute, 1<<20)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_ = mgr
}

func TestUnlockDiesWithSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Apply(ctx, testUser, "/NOTE/Note", "locked.note", 4)
	require.NoError(t, err)
	assert.False(t, env.mgr.Unlocked(sess.ID))

	require.NoError(t, env.mgr.Unlock(sess.ID))
	assert.True(t, env.mgr.Unlocked(sess.ID))

	require.NoError(t, env.mgr.PutChunk(ctx, sess.ID, 0, []byte("inkk")))
	_, err = env.mgr.Finish(ctx, sess.ID, "")
	require.NoError(t, err)

	// Nothing lingers once the session is gone.
	assert.False(t, env.mgr.Unlocked(sess.ID))
	assert.ErrorIs(t, env.mgr.Unlock(sess.ID), ErrSessionNotFound)
}
