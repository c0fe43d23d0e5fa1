// Package upload implements chunked upload sessions with out-of-order,
// idempotent chunks and an atomic finish that moves assembled content into
// the blob store and binds it into the tree. Staged bytes are never
// addressable: until finish succeeds, nothing references them.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkvault/inkvault/internal/blob"
	"github.com/inkvault/inkvault/internal/quota"
	"github.com/inkvault/inkvault/internal/vfs"
)

// Manager owns all active upload sessions and their staging directories.
type Manager struct {
	root     string
	tree     *vfs.VFS
	blobs    *blob.Store
	quotas   *quota.Tracker
	ttl      time.Duration
	maxChunk int64

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates a manager staging under root. Any staging left over
// from a previous run is scratch by definition and is wiped.
func NewManager(root string, tree *vfs.VFS, blobs *blob.Store, quotas *quota.Tracker, ttl time.Duration, maxChunk int64) (*Manager, error) {
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Manager{
		root:     root,
		tree:     tree,
		blobs:    blobs,
		quotas:   quotas,
		ttl:      ttl,
		maxChunk: maxChunk,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}, nil
}

// Apply opens a session for a file of declaredSize bytes at dirPath/name,
// creating missing directories along the way. The quota reservation here is
// advisory fast-fail; the commit transaction enforces the real limit.
func (m *Manager) Apply(ctx context.Context, userID int64, dirPath, name string, declaredSize int64) (*Session, error) {
	if err := vfs.ValidateName(name); err != nil {
		return nil, err
	}
	if declaredSize < 0 {
		return nil, fmt.Errorf("negative declared size %d", declaredSize)
	}

	dir, err := m.tree.MkdirAll(ctx, userID, dirPath)
	if err != nil {
		return nil, err
	}
	if err := m.quotas.Reserve(ctx, userID, declaredSize); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	stagingDir := filepath.Join(m.root, id)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	sess := &Session{
		ID:       id,
		UserID:   userID,
		ParentID: dir.ID,
		Name:     name,
		Declared: declaredSize,
		dir:      stagingDir,
		state:    StateReceiving,
		deadline: m.now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	log.Debug().Str("session_id", id).Int64("user_id", userID).
		Str("name", name).Int64("declared", declaredSize).Msg("Opened upload session")
	return sess, nil
}

// Get returns an active session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Unlock marks a session's signed transfer URL as redeemed, allowing later
// chunks to ride on the session id alone. The mark dies with the session.
func (m *Manager) Unlock(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.unlocked = true
	sess.mu.Unlock()
	return nil
}

// Unlocked reports whether a session's transfer URL was redeemed. An ended
// or unknown session is never unlocked.
func (m *Manager) Unlocked(sessionID string) bool {
	sess, err := m.Get(sessionID)
	if err != nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.unlocked
}

// PutChunk stages data at offset. Chunks may arrive in any order; a chunk
// whose range was already received is acknowledged without touching disk,
// making device retransmits free. Every accepted chunk extends the idle
// deadline.
func (m *Manager) PutChunk(ctx context.Context, sessionID string, offset int64, data []byte) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if int64(len(data)) > m.maxChunk {
		return ErrChunkTooLarge
	}
	if offset < 0 || offset+int64(len(data)) > sess.Declared {
		return ErrChunkOutOfRange
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StateReceiving {
		return ErrSessionNotFound
	}
	if m.now().After(sess.deadline) {
		return ErrSessionExpired
	}
	sess.deadline = m.now().Add(m.ttl)

	end := offset + int64(len(data))
	if len(data) == 0 || sess.covered(offset, end) {
		return nil
	}

	sess.seq++
	partPath := filepath.Join(sess.dir, fmt.Sprintf("part-%016x-%06d", offset, sess.seq))
	if err := os.WriteFile(partPath, data, 0o644); err != nil {
		return fmt.Errorf("stage chunk: %w", err)
	}
	sess.parts = append(sess.parts, part{offset: offset, size: int64(len(data)), path: partPath})
	sess.addSpan(offset, end)
	return nil
}

// Finish assembles the staged chunks, stores them as a blob and commits the
// file node. declaredHash, when non-empty, must match the assembled content.
// On success the session is gone; on failure it stays open for retry except
// for a digest mismatch, which abandons it.
//
// Two sessions racing to finish the same destination serialize on the
// user's tree lock; each commit fully replaces the previous binding, so the
// last committer wins and the earlier blob is released if unshared.
func (m *Manager) Finish(ctx context.Context, sessionID, declaredHash string) (*vfs.Node, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.state != StateReceiving {
		sess.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if m.now().After(sess.deadline) {
		sess.mu.Unlock()
		return nil, ErrSessionExpired
	}
	if !sess.complete() {
		sess.mu.Unlock()
		return nil, ErrIncomplete
	}
	parts := make([]part, len(sess.parts))
	copy(parts, sess.parts)
	sess.mu.Unlock()

	reader, closers, err := assemble(parts)
	if err != nil {
		return nil, err
	}
	sum, size, existed, err := m.blobs.Write(sess.UserID, reader)
	for _, c := range closers {
		_ = c.Close()
	}
	if err != nil {
		return nil, err
	}

	// discard removes the stored bytes again, but only if this session was
	// the one that created them; content another node references stays.
	discard := func() {
		if !existed {
			if err := m.blobs.Remove(sess.UserID, sum); err != nil {
				log.Warn().Err(err).Str("hash", sum).Msg("Failed to remove unbound blob")
			}
		}
	}

	if declaredHash != "" && declaredHash != sum {
		discard()
		m.drop(sess, StateAbandoned)
		return nil, fmt.Errorf("%w: declared %s, got %s", ErrHashMismatch, declaredHash, sum)
	}

	node, err := m.tree.CommitFile(ctx, sess.UserID, sess.ParentID, sess.Name, sum, size)
	if err != nil {
		discard()
		return nil, err
	}

	m.drop(sess, StateCommitted)
	log.Info().Str("session_id", sess.ID).Int64("user_id", sess.UserID).
		Str("name", sess.Name).Int64("size", size).Str("hash", sum).
		Msg("Upload committed")
	return node, nil
}

// Abandon cancels a session and releases its staged bytes.
func (m *Manager) Abandon(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	m.drop(sess, StateAbandoned)
	return nil
}

// Sweep expires sessions idle past their deadline and returns how many were
// reaped.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	var expired []*Session
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if m.now().After(sess.deadline) {
			expired = append(expired, sess)
		}
		sess.mu.Unlock()
	}
	m.mu.Unlock()

	for _, sess := range expired {
		m.drop(sess, StateAbandoned)
		log.Info().Str("session_id", sess.ID).Int64("user_id", sess.UserID).
			Str("name", sess.Name).Msg("Expired upload session")
	}
	return len(expired)
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// drop finalizes a session into a terminal state and removes its staging.
func (m *Manager) drop(sess *Session, final State) {
	sess.mu.Lock()
	sess.state = final
	sess.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	if err := os.RemoveAll(sess.dir); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to remove staging dir")
	}
}

// assemble builds a single plaintext reader over staged parts. Parts may
// overlap when a retransmit landed with a different offset split; a
// watermark skips bytes already emitted by an earlier part.
func assemble(parts []part) (io.Reader, []io.Closer, error) {
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].offset != parts[j].offset {
			return parts[i].offset < parts[j].offset
		}
		return parts[i].path < parts[j].path
	})

	var readers []io.Reader
	var closers []io.Closer
	var watermark int64
	for _, p := range parts {
		end := p.offset + p.size
		if end <= watermark {
			continue
		}
		f, err := os.Open(p.path)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, fmt.Errorf("open part: %w", err)
		}
		skip := watermark - p.offset
		if skip < 0 {
			// A gap here would mean coverage accounting is broken.
			_ = f.Close()
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, fmt.Errorf("staging gap at offset %d", watermark)
		}
		readers = append(readers, io.NewSectionReader(f, skip, end-watermark))
		closers = append(closers, f)
		watermark = end
	}
	return io.MultiReader(readers...), closers, nil
}
