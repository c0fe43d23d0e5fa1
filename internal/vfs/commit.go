package vfs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/inkvault/inkvault/internal/blob"
	"github.com/inkvault/inkvault/internal/quota"
)

// CommitFile binds an already-stored blob to a file node under parentID.
// If a live file with the same name exists it is replaced in place (same
// node id, new content); its previous blob loses a reference and is removed
// from disk if that was the last one. Quota is charged only when the blob
// is new to the user, enforced inside the transaction.
//
// Concurrent commits to the same name serialize on the user lock; each
// commit fully replaces the binding, so whichever lands last wins and no
// intermediate blob is left referenced.
func (s *VFS) CommitFile(ctx context.Context, userID, parentID int64, name, blobHash string, size int64) (*Node, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	// The blob must be addressable before any node points at it.
	if !s.blobs.Exists(userID, blobHash) {
		return nil, fmt.Errorf("commit %q: %w", name, blob.ErrNotFound)
	}

	l := s.locks.user(userID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.requireDir(ctx, tx, userID, parentID); err != nil {
		return nil, err
	}

	existing, err := s.childByName(ctx, tx, userID, parentID, name)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil && existing.IsDir {
		return nil, ErrNameConflict
	}

	now, tag := s.now().UnixMilli(), s.newTag()
	node := existing

	if existing != nil && existing.BlobHash == blobHash {
		// Idempotent re-commit of identical content: refcounts and quota
		// are already right, only the timestamps move.
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET size = ?, updated_at = ?, sync_tag = ? WHERE id = ?`,
			size, now, tag, existing.ID); err != nil {
			return nil, fmt.Errorf("touch node: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		node.Size, node.UpdatedAt, node.SyncTag = size, now, tag
		return node, nil
	}

	// Reference the new blob, charging quota only on first reference.
	var refCount int64
	err = tx.QueryRowContext(ctx,
		`SELECT ref_count FROM blobs WHERE user_id = ? AND hash = ?`,
		userID, blobHash).Scan(&refCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read blob ref: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs (user_id, hash, size, ref_count, stored_at) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(user_id, hash) DO UPDATE SET ref_count = ref_count + 1`,
		userID, blobHash, size, now); err != nil {
		return nil, fmt.Errorf("reference blob: %w", err)
	}
	if refCount == 0 {
		if err := quota.Charge(ctx, tx, userID, size); err != nil {
			return nil, err
		}
	}

	var orphan string
	var orphanSize int64
	if existing != nil && existing.BlobHash != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = ref_count - 1 WHERE user_id = ? AND hash = ?`,
			userID, existing.BlobHash); err != nil {
			return nil, fmt.Errorf("release old blob ref: %w", err)
		}
		var oldRef, oldSize int64
		err := tx.QueryRowContext(ctx,
			`SELECT ref_count, size FROM blobs WHERE user_id = ? AND hash = ?`,
			userID, existing.BlobHash).Scan(&oldRef, &oldSize)
		if err != nil {
			return nil, fmt.Errorf("read old blob ref: %w", err)
		}
		if oldRef <= 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM blobs WHERE user_id = ? AND hash = ?`,
				userID, existing.BlobHash); err != nil {
				return nil, fmt.Errorf("drop old blob row: %w", err)
			}
			if err := quota.Credit(ctx, tx, userID, oldSize); err != nil {
				return nil, err
			}
			orphan, orphanSize = existing.BlobHash, oldSize
		}
	}

	if existing != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET blob_hash = ?, size = ?, updated_at = ?, sync_tag = ? WHERE id = ?`,
			blobHash, size, now, tag, existing.ID); err != nil {
			return nil, fmt.Errorf("replace node content: %w", err)
		}
		node.BlobHash, node.Size, node.UpdatedAt, node.SyncTag = blobHash, size, now, tag
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (user_id, parent_id, name, is_dir, blob_hash, size, created_at, updated_at, deleted_at, sync_tag)
			 VALUES (?, ?, ?, 0, ?, ?, ?, ?, 0, ?)`,
			userID, parentID, name, blobHash, size, now, now, tag)
		if err != nil {
			return nil, fmt.Errorf("insert node: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("node id: %w", err)
		}
		node = &Node{
			ID: id, UserID: userID, ParentID: parentID, Name: name,
			BlobHash: blobHash, Size: size,
			CreatedAt: now, UpdatedAt: now, SyncTag: tag,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if orphan != "" {
		if err := s.blobs.Remove(userID, orphan); err != nil {
			log.Warn().Err(err).Int64("user_id", userID).Str("hash", orphan).
				Msg("Failed to remove replaced blob")
		} else {
			log.Debug().Int64("user_id", userID).Str("hash", orphan).
				Int64("size", orphanSize).Msg("Removed replaced blob")
		}
	}

	return node, nil
}
