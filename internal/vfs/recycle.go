package vfs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkvault/inkvault/internal/quota"
)

// subtreeCTE selects the ids of a node and all its descendants, in any
// deletion state. Args: rootID, userID.
const subtreeCTE = `WITH RECURSIVE sub(id) AS (
	SELECT ?
	UNION ALL
	SELECT n.id FROM nodes n JOIN sub ON n.parent_id = sub.id AND n.user_id = ?
)`

// SoftDelete moves a node and its live descendants to the recycle bin.
// Descendants that were already recycled individually keep their own batch
// stamp and recycle entries.
func (s *VFS) SoftDelete(ctx context.Context, userID, id int64) (*RecycleEntry, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	batch, tag := s.now().UnixMilli(), s.newTag()

	// The batch stamp doubles as the restore marker: only nodes deleted in
	// this exact batch come back together.
	if _, err := tx.ExecContext(ctx, subtreeCTE+`
		UPDATE nodes SET deleted_at = ?, sync_tag = ?
		WHERE id IN (SELECT id FROM sub) AND deleted_at = 0`,
		id, userID, batch, tag); err != nil {
		return nil, fmt.Errorf("mark subtree deleted: %w", err)
	}

	var size int64
	if err := tx.QueryRowContext(ctx, subtreeCTE+`
		SELECT COALESCE(SUM(size), 0) FROM nodes
		WHERE id IN (SELECT id FROM sub) AND deleted_at = ? AND is_dir = 0`,
		id, userID, batch).Scan(&size); err != nil {
		return nil, fmt.Errorf("sum subtree size: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO recycle (user_id, node_id, name, is_dir, size, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, id, node.Name, node.IsDir, size, batch)
	if err != nil {
		return nil, fmt.Errorf("insert recycle entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("recycle entry id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	log.Info().Int64("user_id", userID).Int64("node_id", id).Str("name", node.Name).
		Msg("Moved node to recycle bin")
	return &RecycleEntry{
		ID: entryID, UserID: userID, NodeID: id,
		Name: node.Name, IsDir: node.IsDir, Size: size, DeletedAt: batch,
	}, nil
}

// RecycleList returns a user's recycle bin, newest first.
func (s *VFS) RecycleList(ctx context.Context, userID int64) ([]RecycleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, node_id, name, is_dir, size, deleted_at
		 FROM recycle WHERE user_id = ? ORDER BY deleted_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recycle: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RecycleEntry
	for rows.Next() {
		var e RecycleEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.NodeID, &e.Name, &e.IsDir, &e.Size, &e.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan recycle entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recycle: %w", err)
	}
	return out, nil
}

// Restore brings a recycled batch back. If the original parent is gone or
// itself recycled, the node reattaches at the root. A live occupant of the
// target name fails the restore with ErrNameConflict; pass newName to
// restore under a different name instead.
func (s *VFS) Restore(ctx context.Context, userID, recycleID int64, newName string) (*Node, error) {
	if newName != "" {
		if err := ValidateName(newName); err != nil {
			return nil, err
		}
	}
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := s.recycleEntry(ctx, tx, userID, recycleID)
	if err != nil {
		return nil, err
	}
	node, err := s.nodeAny(ctx, tx, userID, entry.NodeID)
	if err != nil {
		return nil, err
	}

	parentID := node.ParentID
	if parentID != RootID {
		parent, err := s.nodeAny(ctx, tx, userID, parentID)
		if err == ErrNotFound || (err == nil && !parent.Live()) {
			parentID = RootID
		} else if err != nil {
			return nil, err
		}
	}

	name := node.Name
	if newName != "" {
		name = newName
	}
	if _, err := s.childByName(ctx, tx, userID, parentID, name); err == nil {
		return nil, ErrNameConflict
	} else if err != ErrNotFound {
		return nil, err
	}

	now, tag := s.now().UnixMilli(), s.newTag()
	// Revive, reattach and rename the root in one statement so the live-name
	// unique index only ever sees the final name.
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET deleted_at = 0, parent_id = ?, name = ?, updated_at = ?, sync_tag = ?
		 WHERE id = ? AND deleted_at = ?`,
		parentID, name, now, tag, entry.NodeID, entry.DeletedAt); err != nil {
		return nil, fmt.Errorf("restore node: %w", err)
	}
	// Descendants come back under their original names; the root no longer
	// matches the batch stamp.
	if _, err := tx.ExecContext(ctx, subtreeCTE+`
		UPDATE nodes SET deleted_at = 0, updated_at = ?, sync_tag = ?
		WHERE id IN (SELECT id FROM sub) AND deleted_at = ?`,
		entry.NodeID, userID, now, tag, entry.DeletedAt); err != nil {
		return nil, fmt.Errorf("restore subtree: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recycle WHERE id = ?`, recycleID); err != nil {
		return nil, fmt.Errorf("drop recycle entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	log.Info().Int64("user_id", userID).Int64("node_id", node.ID).Str("name", name).
		Msg("Restored node from recycle bin")
	node.ParentID, node.Name, node.DeletedAt, node.UpdatedAt, node.SyncTag = parentID, name, 0, now, tag
	return node, nil
}

// Purge permanently removes a recycled batch: node rows, nested recycle
// entries, blob references, and finally the blob files that lost their last
// reference. Quota is credited for each blob actually freed.
func (s *VFS) Purge(ctx context.Context, userID, recycleID int64) ([]PurgedFile, int64, error) {
	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := s.recycleEntry(ctx, tx, userID, recycleID)
	if err != nil {
		return nil, 0, err
	}

	// Collect the entire subtree, including descendants recycled in earlier
	// batches; their rows must not be orphaned by the parent's purge.
	rows, err := tx.QueryContext(ctx, subtreeCTE+`
		SELECT id, is_dir, blob_hash, size FROM nodes
		WHERE user_id = ? AND id IN (SELECT id FROM sub)`,
		entry.NodeID, userID, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("collect subtree: %w", err)
	}

	var purged []PurgedFile
	refDrops := map[string]int64{}
	for rows.Next() {
		var (
			nodeID, size int64
			isDir        bool
			hash         string
		)
		if err := rows.Scan(&nodeID, &isDir, &hash, &size); err != nil {
			_ = rows.Close()
			return nil, 0, fmt.Errorf("scan subtree node: %w", err)
		}
		if !isDir && hash != "" {
			purged = append(purged, PurgedFile{NodeID: nodeID, BlobHash: hash, Size: size})
			refDrops[hash]++
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, fmt.Errorf("iterate subtree: %w", err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, subtreeCTE+`
		DELETE FROM recycle WHERE user_id = ? AND node_id IN (SELECT id FROM sub)`,
		entry.NodeID, userID, userID); err != nil {
		return nil, 0, fmt.Errorf("drop recycle entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, subtreeCTE+`
		DELETE FROM nodes WHERE user_id = ? AND id IN (SELECT id FROM sub)`,
		entry.NodeID, userID, userID); err != nil {
		return nil, 0, fmt.Errorf("delete subtree: %w", err)
	}

	var orphans []string
	var freed int64
	for hash, drops := range refDrops {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = ref_count - ? WHERE user_id = ? AND hash = ?`,
			drops, userID, hash); err != nil {
			return nil, 0, fmt.Errorf("drop blob refs: %w", err)
		}
		var refCount, size int64
		err := tx.QueryRowContext(ctx,
			`SELECT ref_count, size FROM blobs WHERE user_id = ? AND hash = ?`,
			userID, hash).Scan(&refCount, &size)
		if err != nil {
			return nil, 0, fmt.Errorf("read blob ref: %w", err)
		}
		if refCount > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blobs WHERE user_id = ? AND hash = ?`, userID, hash); err != nil {
			return nil, 0, fmt.Errorf("drop blob row: %w", err)
		}
		if err := quota.Credit(ctx, tx, userID, size); err != nil {
			return nil, 0, err
		}
		orphans = append(orphans, hash)
		freed += size
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}

	// Physical removal happens after the metadata commit. A crash between
	// the two leaves an unreferenced file the sweeper can reap later, never
	// a referenced blob without bytes.
	for _, hash := range orphans {
		if err := s.blobs.Remove(userID, hash); err != nil {
			log.Warn().Err(err).Int64("user_id", userID).Str("hash", hash).
				Msg("Failed to remove orphaned blob")
		}
	}

	log.Info().Int64("user_id", userID).Int64("node_id", entry.NodeID).
		Int("files", len(purged)).Int64("freed_bytes", freed).
		Msg("Purged recycled node")
	return purged, freed, nil
}

// PurgeAll empties a user's recycle bin.
func (s *VFS) PurgeAll(ctx context.Context, userID int64) ([]PurgedFile, int64, error) {
	entries, err := s.RecycleList(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	var all []PurgedFile
	var freed int64
	for _, e := range entries {
		purged, n, err := s.Purge(ctx, userID, e.ID)
		if err == ErrNotFound {
			// Already swept away with an enclosing batch.
			continue
		}
		if err != nil {
			return all, freed, err
		}
		all = append(all, purged...)
		freed += n
	}
	return all, freed, nil
}

// PurgeExpired permanently removes every recycle entry older than cutoff,
// across all users. Returns the purged files grouped by user for event
// emission.
func (s *VFS) PurgeExpired(ctx context.Context, cutoff time.Time) (map[int64][]PurgedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id FROM recycle WHERE deleted_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired recycle entries: %w", err)
	}

	type ref struct{ id, userID int64 }
	var expired []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.userID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan recycle entry: %w", err)
		}
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate recycle entries: %w", err)
	}
	_ = rows.Close()

	out := map[int64][]PurgedFile{}
	for _, r := range expired {
		purged, _, err := s.Purge(ctx, r.userID, r.id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return out, err
		}
		out[r.userID] = append(out[r.userID], purged...)
	}
	return out, nil
}

func (s *VFS) recycleEntry(ctx context.Context, q querier, userID, recycleID int64) (*RecycleEntry, error) {
	e := &RecycleEntry{}
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, node_id, name, is_dir, size, deleted_at
		 FROM recycle WHERE id = ? AND user_id = ?`, recycleID, userID).
		Scan(&e.ID, &e.UserID, &e.NodeID, &e.Name, &e.IsDir, &e.Size, &e.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup recycle entry: %w", err)
	}
	return e, nil
}
