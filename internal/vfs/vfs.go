// Package vfs implements the per-user file tree: resolution, listing,
// directory management, move/copy/rename, the recycle bin lifecycle and
// blob-backed file commits. Every node belongs to exactly one user and all
// cross-table bookkeeping (blob reference counts, quota usage) happens in
// the same sqlite transaction as the tree change.
package vfs

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkvault/inkvault/internal/blob"
)

// VFS provides tree operations over the metadata database and blob store.
type VFS struct {
	db    *sql.DB
	blobs *blob.Store
	locks lockTable
	now   func() time.Time
}

// New creates a VFS over db and blobs.
func New(db *sql.DB, blobs *blob.Store) *VFS {
	return &VFS{db: db, blobs: blobs, now: time.Now}
}

func (s *VFS) newTag() string { return uuid.NewString() }

// Bootstrap ensures the system directories exist for a user. Idempotent;
// called on every first contact with a device or web session.
func (s *VFS) Bootstrap(ctx context.Context, userID int64) error {
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	for _, p := range BootstrapPaths() {
		segs, err := SplitPath(p)
		if err != nil {
			return err
		}
		if _, err := s.ensurePath(ctx, s.db, userID, segs); err != nil {
			return fmt.Errorf("bootstrap %s: %w", p, err)
		}
	}
	return nil
}

// Resolve walks a path to its live node. An empty or "/" path returns the
// synthetic root.
func (s *VFS) Resolve(ctx context.Context, userID int64, p string) (*Node, error) {
	segs, err := SplitPath(p)
	if err != nil {
		return nil, err
	}
	return s.resolveSegs(ctx, s.db, userID, segs)
}

func (s *VFS) resolveSegs(ctx context.Context, q querier, userID int64, segs []string) (*Node, error) {
	node := &Node{ID: RootID, UserID: userID, IsDir: true}
	for _, seg := range segs {
		child, err := s.childByName(ctx, q, userID, node.ID, seg)
		if err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

// NodeByID returns a live node by id.
func (s *VFS) NodeByID(ctx context.Context, userID, id int64) (*Node, error) {
	if id == RootID {
		return &Node{ID: RootID, UserID: userID, IsDir: true}, nil
	}
	node, err := s.nodeAny(ctx, s.db, userID, id)
	if err != nil {
		return nil, err
	}
	if !node.Live() {
		return nil, ErrNotFound
	}
	return node, nil
}

// FullPath returns the canonical internal path of a node.
func (s *VFS) FullPath(ctx context.Context, userID, id int64) (string, error) {
	segs, err := s.pathSegments(ctx, s.db, userID, id)
	if err != nil {
		return "", err
	}
	return JoinPath(segs), nil
}

// List returns the live children of a directory, directories first.
func (s *VFS) List(ctx context.Context, userID, dirID int64) ([]*Node, error) {
	if dirID != RootID {
		if _, err := s.NodeByID(ctx, userID, dirID); err != nil {
			return nil, err
		}
	}
	return s.children(ctx, s.db, userID, dirID)
}

// ListRecursive returns every live node under a directory with paths
// relative to it.
func (s *VFS) ListRecursive(ctx context.Context, userID, dirID int64) ([]Entry, error) {
	var out []Entry
	var walk func(parentID int64, prefix string) error
	walk = func(parentID int64, prefix string) error {
		children, err := s.children(ctx, s.db, userID, parentID)
		if err != nil {
			return err
		}
		for _, child := range children {
			p := prefix + child.Name
			out = append(out, Entry{Node: *child, Path: p})
			if child.IsDir {
				if err := walk(child.ID, p+"/"); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(dirID, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// IsEmpty reports whether a directory has no live children.
func (s *VFS) IsEmpty(ctx context.Context, userID, dirID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE user_id = ? AND parent_id = ? AND deleted_at = 0`,
		userID, dirID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count children: %w", err)
	}
	return n == 0, nil
}

// Search returns live nodes whose name contains keyword, with full internal
// paths. Matching is case-insensitive.
func (s *VFS) Search(ctx context.Context, userID int64, keyword string) ([]Entry, error) {
	if keyword == "" {
		return nil, nil
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(keyword)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeCols+` FROM nodes
		 WHERE user_id = ? AND deleted_at = 0 AND name LIKE ? ESCAPE '\'`,
		userID, "%"+escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}

	// Materialize matches before computing paths: the pool holds a single
	// connection, and a query issued while this cursor is open would wait
	// on it forever.
	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate search: %w", err)
	}
	_ = rows.Close()

	var out []Entry
	for _, node := range nodes {
		segs, err := s.pathSegments(ctx, s.db, userID, node.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Node: *node, Path: JoinPath(segs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Mkdir creates a directory under parentID. Creating into an occupied name
// fails with ErrNameConflict, even if the occupant is a directory.
func (s *VFS) Mkdir(ctx context.Context, userID, parentID int64, name string) (*Node, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	if err := s.requireDir(ctx, s.db, userID, parentID); err != nil {
		return nil, err
	}
	if _, err := s.childByName(ctx, s.db, userID, parentID, name); err == nil {
		return nil, ErrNameConflict
	} else if err != ErrNotFound {
		return nil, err
	}
	return s.insertDir(ctx, s.db, userID, parentID, name)
}

// MkdirAll ensures every directory along path exists, reusing existing
// directories. A file occupying an intermediate name fails the whole call.
func (s *VFS) MkdirAll(ctx context.Context, userID int64, p string) (*Node, error) {
	segs, err := SplitPath(p)
	if err != nil {
		return nil, err
	}
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()
	return s.ensurePath(ctx, s.db, userID, segs)
}

// Rename changes a node's name in place.
func (s *VFS) Rename(ctx context.Context, userID, id int64, newName string) (*Node, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	node, err := s.NodeByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireMutable(ctx, s.db, userID, node); err != nil {
		return nil, err
	}
	if node.Name == newName {
		return node, nil
	}
	if _, err := s.childByName(ctx, s.db, userID, node.ParentID, newName); err == nil {
		return nil, ErrNameConflict
	} else if err != ErrNotFound {
		return nil, err
	}

	now, tag := s.now().UnixMilli(), s.newTag()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = ?, updated_at = ?, sync_tag = ? WHERE id = ?`,
		newName, now, tag, node.ID); err != nil {
		return nil, fmt.Errorf("rename node: %w", err)
	}
	node.Name, node.UpdatedAt, node.SyncTag = newName, now, tag
	return node, nil
}

// Move reparents a node under destID, optionally renaming it. Moving a
// directory into its own subtree is refused.
func (s *VFS) Move(ctx context.Context, userID, id, destID int64, newName string) (*Node, error) {
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	node, err := s.NodeByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireMutable(ctx, s.db, userID, node); err != nil {
		return nil, err
	}
	if err := s.requireDir(ctx, s.db, userID, destID); err != nil {
		return nil, err
	}

	name := node.Name
	if newName != "" {
		if err := ValidateName(newName); err != nil {
			return nil, err
		}
		name = newName
	}

	// Walk up from the destination; hitting the source means a cycle.
	for cur := destID; cur != RootID; {
		if cur == id {
			return nil, ErrInvalidDestination
		}
		parent, err := s.nodeAny(ctx, s.db, userID, cur)
		if err != nil {
			return nil, err
		}
		cur = parent.ParentID
	}

	if existing, err := s.childByName(ctx, s.db, userID, destID, name); err == nil {
		if existing.ID != node.ID {
			return nil, ErrNameConflict
		}
	} else if err != ErrNotFound {
		return nil, err
	}

	now, tag := s.now().UnixMilli(), s.newTag()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET parent_id = ?, name = ?, updated_at = ?, sync_tag = ? WHERE id = ?`,
		destID, name, now, tag, node.ID); err != nil {
		return nil, fmt.Errorf("move node: %w", err)
	}
	node.ParentID, node.Name, node.UpdatedAt, node.SyncTag = destID, name, now, tag
	return node, nil
}

// Copy clones a node (recursively for directories) under destID. Blob
// reference counts go up with each cloned file; since copies share their
// source's blobs, the user's unique-content usage does not change.
func (s *VFS) Copy(ctx context.Context, userID, id, destID int64, newName string) (*Node, error) {
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	node, err := s.NodeByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireDir(ctx, s.db, userID, destID); err != nil {
		return nil, err
	}

	name := node.Name
	if newName != "" {
		if err := ValidateName(newName); err != nil {
			return nil, err
		}
		name = newName
	}
	// Copying a directory into its own subtree would recurse forever.
	for cur := destID; cur != RootID; {
		if cur == id {
			return nil, ErrInvalidDestination
		}
		parent, err := s.nodeAny(ctx, s.db, userID, cur)
		if err != nil {
			return nil, err
		}
		cur = parent.ParentID
	}
	if _, err := s.childByName(ctx, s.db, userID, destID, name); err == nil {
		return nil, ErrNameConflict
	} else if err != ErrNotFound {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	clone, err := s.cloneSubtree(ctx, tx, userID, node, destID, name)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return clone, nil
}

func (s *VFS) cloneSubtree(ctx context.Context, tx *sql.Tx, userID int64, src *Node, destID int64, name string) (*Node, error) {
	now, tag := s.now().UnixMilli(), s.newTag()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (user_id, parent_id, name, is_dir, blob_hash, size, created_at, updated_at, deleted_at, sync_tag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		userID, destID, name, src.IsDir, src.BlobHash, src.Size, now, now, tag)
	if err != nil {
		return nil, fmt.Errorf("clone node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("clone node id: %w", err)
	}

	if !src.IsDir && src.BlobHash != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = ref_count + 1 WHERE user_id = ? AND hash = ?`,
			userID, src.BlobHash); err != nil {
			return nil, fmt.Errorf("bump blob ref: %w", err)
		}
	}

	if src.IsDir {
		children, err := s.children(ctx, tx, userID, src.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, err := s.cloneSubtree(ctx, tx, userID, child, id, child.Name); err != nil {
				return nil, err
			}
		}
	}

	return &Node{
		ID: id, UserID: userID, ParentID: destID, Name: name, IsDir: src.IsDir,
		BlobHash: src.BlobHash, Size: src.Size,
		CreatedAt: now, UpdatedAt: now, SyncTag: tag,
	}, nil
}

// --- internal helpers ---

func (s *VFS) childByName(ctx context.Context, q querier, userID, parentID int64, name string) (*Node, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE user_id = ? AND parent_id = ? AND name = ? AND deleted_at = 0`,
		userID, parentID, name)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup child: %w", err)
	}
	return node, nil
}

// nodeAny returns a node regardless of deletion state.
func (s *VFS) nodeAny(ctx context.Context, q querier, userID, id int64) (*Node, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE user_id = ? AND id = ?`, userID, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup node: %w", err)
	}
	return node, nil
}

func (s *VFS) children(ctx context.Context, q querier, userID, parentID int64) ([]*Node, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+nodeCols+` FROM nodes
		 WHERE user_id = ? AND parent_id = ? AND deleted_at = 0
		 ORDER BY is_dir DESC, name`, userID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return out, nil
}

func (s *VFS) requireDir(ctx context.Context, q querier, userID, dirID int64) error {
	if dirID == RootID {
		return nil
	}
	node, err := s.nodeAny(ctx, q, userID, dirID)
	if err != nil {
		return err
	}
	if !node.Live() {
		return ErrNotFound
	}
	if !node.IsDir {
		return ErrNotDirectory
	}
	return nil
}

func (s *VFS) requireMutable(ctx context.Context, q querier, userID int64, node *Node) error {
	segs, err := s.pathSegments(ctx, q, userID, node.ID)
	if err != nil {
		return err
	}
	if IsImmutablePath(segs) {
		return ErrImmutable
	}
	return nil
}

func (s *VFS) pathSegments(ctx context.Context, q querier, userID, id int64) ([]string, error) {
	var segs []string
	for cur := id; cur != RootID; {
		node, err := s.nodeAny(ctx, q, userID, cur)
		if err != nil {
			return nil, err
		}
		segs = append([]string{node.Name}, segs...)
		cur = node.ParentID
		if len(segs) > 4096 {
			return nil, fmt.Errorf("path depth limit exceeded for node %d", id)
		}
	}
	return segs, nil
}

func (s *VFS) insertDir(ctx context.Context, q querier, userID, parentID int64, name string) (*Node, error) {
	now, tag := s.now().UnixMilli(), s.newTag()
	res, err := q.ExecContext(ctx,
		`INSERT INTO nodes (user_id, parent_id, name, is_dir, blob_hash, size, created_at, updated_at, deleted_at, sync_tag)
		 VALUES (?, ?, ?, 1, '', 0, ?, ?, 0, ?)`,
		userID, parentID, name, now, now, tag)
	if err != nil {
		return nil, fmt.Errorf("insert directory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("directory id: %w", err)
	}
	log.Debug().Int64("user_id", userID).Int64("node_id", id).Str("name", name).Msg("Created directory")
	return &Node{
		ID: id, UserID: userID, ParentID: parentID, Name: name, IsDir: true,
		CreatedAt: now, UpdatedAt: now, SyncTag: tag,
	}, nil
}

// ensurePath walks segs creating missing directories. Caller holds the user
// lock.
func (s *VFS) ensurePath(ctx context.Context, q querier, userID int64, segs []string) (*Node, error) {
	node := &Node{ID: RootID, UserID: userID, IsDir: true}
	for _, seg := range segs {
		child, err := s.childByName(ctx, q, userID, node.ID, seg)
		if err == ErrNotFound {
			child, err = s.insertDir(ctx, q, userID, node.ID, seg)
		}
		if err != nil {
			return nil, err
		}
		if !child.IsDir {
			return nil, ErrNameConflict
		}
		node = child
	}
	return node, nil
}
