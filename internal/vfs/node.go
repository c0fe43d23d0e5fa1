package vfs

import (
	"context"
	"database/sql"
	"sync"
)

// RootID is the virtual parent of every top-level node. It has no row.
const RootID int64 = 0

// Node is one entry in a user's file tree.
type Node struct {
	ID        int64
	UserID    int64
	ParentID  int64
	Name      string
	IsDir     bool
	BlobHash  string
	Size      int64
	CreatedAt int64 // unix milliseconds
	UpdatedAt int64
	DeletedAt int64 // 0 = live
	SyncTag   string
}

// Live reports whether the node is visible (not in the recycle bin).
func (n *Node) Live() bool { return n.DeletedAt == 0 }

// Entry pairs a node with its path relative to a listing root.
type Entry struct {
	Node
	Path string
}

// RecycleEntry is one item in a user's recycle bin.
type RecycleEntry struct {
	ID        int64
	UserID    int64
	NodeID    int64
	Name      string
	IsDir     bool
	Size      int64
	DeletedAt int64
}

// PurgedFile identifies a file removed for good by a purge.
type PurgedFile struct {
	NodeID   int64
	BlobHash string
	Size     int64
}

const nodeCols = `id, user_id, parent_id, name, is_dir, blob_hash, size, created_at, updated_at, deleted_at, sync_tag`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	n := &Node{}
	err := row.Scan(&n.ID, &n.UserID, &n.ParentID, &n.Name, &n.IsDir,
		&n.BlobHash, &n.Size, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt, &n.SyncTag)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// tree helpers can run both standalone and inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// lockTable hands out one mutex per user. Tree mutations for a user are
// serialized; different users never contend.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (t *lockTable) user(userID int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := t.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[userID] = l
	}
	return l
}
