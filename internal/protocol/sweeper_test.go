package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(env *testEnv, retention time.Duration) *Sweeper {
	return NewSweeper(env.tree, env.uploads, env.nonces, env.quotas, env.sink, retention, time.Minute)
}

func TestSweeperPurgesExpiredRecycle(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.startSync(t, "SN100-A")

	node := env.putFile(t, "/NOTE/Note", "stale.note", "old ink")
	item, err := env.h.Delete(ctx, testUser, node.ID)
	require.NoError(t, err)

	// Age the entry past retention.
	aged := time.Now().Add(-2 * time.Hour).UnixMilli()
	_, err = env.db.Exec(`UPDATE recycle SET deleted_at = ? WHERE id = ?`, aged, item.ID)
	require.NoError(t, err)

	newTestSweeper(env, time.Hour).RunOnce(ctx)

	listed, err := env.h.RecycleList(ctx, testUser, RecycleListRequest{})
	require.NoError(t, err)
	assert.Empty(t, listed.Items)

	require.Len(t, env.sink.deleted, 1)
	assert.Equal(t, node.ID, env.sink.deleted[0].FileID)

	usage, err := env.h.Capacity(ctx, testUser)
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

func TestSweeperKeepsFreshRecycle(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.startSync(t, "SN100-A")

	node := env.putFile(t, "/NOTE/Note", "fresh.note", "ink")
	_, err := env.h.Delete(ctx, testUser, node.ID)
	require.NoError(t, err)

	newTestSweeper(env, time.Hour).RunOnce(ctx)

	listed, err := env.h.RecycleList(ctx, testUser, RecycleListRequest{})
	require.NoError(t, err)
	assert.Len(t, listed.Items, 1)
	assert.Empty(t, env.sink.deleted)
}

func TestSweeperZeroRetentionKeepsEverything(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.startSync(t, "SN100-A")

	node := env.putFile(t, "/NOTE/Note", "keeper.note", "ink")
	item, err := env.h.Delete(ctx, testUser, node.ID)
	require.NoError(t, err)

	// Even an ancient entry survives when retention is disabled.
	aged := time.Now().Add(-10000 * time.Hour).UnixMilli()
	_, err = env.db.Exec(`UPDATE recycle SET deleted_at = ? WHERE id = ?`, aged, item.ID)
	require.NoError(t, err)

	newTestSweeper(env, 0).RunOnce(ctx)

	listed, err := env.h.RecycleList(ctx, testUser, RecycleListRequest{})
	require.NoError(t, err)
	assert.Len(t, listed.Items, 1)
	assert.Empty(t, env.sink.deleted)
}

func TestSweeperReapsNonces(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.nonces.Issue(ctx, "download", -time.Second)
	require.NoError(t, err)
	fresh, err := env.nonces.Issue(ctx, "download", time.Minute)
	require.NoError(t, err)

	newTestSweeper(env, time.Hour).RunOnce(ctx)

	var n int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM nonces`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, env.nonces.Consume(ctx, fresh, "download"))
}

func TestSweeperCorrectsQuotaDrift(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.startSync(t, "SN100-A")
	env.putFile(t, "/NOTE/Note", "a.note", "12345")

	// Simulate drifted accounting.
	_, err := env.db.Exec(`UPDATE quota SET used_bytes = 999 WHERE user_id = ?`, testUser)
	require.NoError(t, err)

	newTestSweeper(env, time.Hour).RunOnce(ctx)

	usage, err := env.h.Capacity(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.UsedBytes)
}

func TestSweeperStartStop(t *testing.T) {
	env := newTestEnv(t, false)
	s := NewSweeper(env.tree, env.uploads, env.nonces, env.quotas, env.sink, time.Hour, 10*time.Millisecond)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
