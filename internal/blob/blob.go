// Package blob provides per-user content-addressable blob storage.
//
// Blobs are identified by the MD5 hex digest of their plaintext (the digest
// sync clients declare on upload) and stored zstd-compressed. Each user gets
// a private partition; identical content uploaded by two users is stored
// twice. That gives up cross-user dedup but makes it structurally impossible
// for a hash probe or collision to expose another user's bytes.
//
// Storage layout: {root}/{userID}/{hash[:2]}/{hash}
package blob

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Store manages compressed content-addressed blobs on the local filesystem.
type Store struct {
	root string

	// Encoder pool for reuse across writes; decoders are cheap enough to
	// create per read and tie their lifetime to the returned reader.
	encoderPool sync.Pool
}

// NewStore creates a blob store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	s := &Store{root: dir}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	return s, nil
}

// Write streams r into the store and returns the content hash, the plaintext
// size, and whether the blob already existed. Identical content is written
// once; a repeat write discards its temp file and reports existed=true.
//
// The hash is only known once the stream is consumed, so data always goes
// through a unique temp file first and is moved into place with an atomic
// rename. Readers either see a complete blob or nothing.
func (s *Store) Write(userID int64, r io.Reader) (string, int64, bool, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, "tmp"), ".blob-*.tmp")
	if err != nil {
		return "", 0, false, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	enc := s.encoderPool.Get().(*zstd.Encoder)
	enc.Reset(tmpFile)

	h := md5.New()
	size, err := io.Copy(io.MultiWriter(enc, h), r)
	if err == nil {
		err = enc.Close()
	}
	s.encoderPool.Put(enc)
	if err == nil {
		err = tmpFile.Sync()
	}
	if cerr := tmpFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, false, fmt.Errorf("write blob: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	dest := s.path(userID, sum)

	// Dedup: same content for the same user is already on disk.
	if _, err := os.Stat(dest); err == nil {
		_ = os.Remove(tmpPath)
		return sum, size, true, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, false, fmt.Errorf("create blob subdir: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, false, fmt.Errorf("rename blob: %w", err)
	}

	return sum, size, false, nil
}

// Open returns a reader over the decompressed blob content. The reader
// verifies the content digest as it is consumed and fails at EOF with
// ErrIntegrity if the stored bytes no longer match their address.
func (s *Store) Open(userID int64, blobHash string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(userID, blobHash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open decoder: %w", err)
	}

	return &verifyReader{
		r:    dec,
		file: f,
		dec:  dec,
		h:    md5.New(),
		want: blobHash,
	}, nil
}

// ReadAll is a convenience wrapper around Open for small blobs and tests.
func (s *Store) ReadAll(userID int64, blobHash string) ([]byte, error) {
	rc, err := s.Open(userID, blobHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Exists checks whether a blob is present on disk.
func (s *Store) Exists(userID int64, blobHash string) bool {
	_, err := os.Stat(s.path(userID, blobHash))
	return err == nil
}

// StoredSize returns the on-disk (compressed) size of a blob.
func (s *Store) StoredSize(userID int64, blobHash string) (int64, error) {
	info, err := os.Stat(s.path(userID, blobHash))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes a blob from disk. Removing an absent blob is not an error;
// deletion must be idempotent so a retried purge cannot fail halfway.
func (s *Store) Remove(userID int64, blobHash string) error {
	if err := os.Remove(s.path(userID, blobHash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// List walks a user's partition and returns every blob hash on disk.
// Used by integrity reconciliation to find orphans.
func (s *Store) List(userID int64) ([]string, error) {
	userDir := filepath.Join(s.root, strconv.FormatInt(userID, 10))
	var hashes []string
	err := filepath.Walk(userDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			hashes = append(hashes, filepath.Base(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk blobs: %w", err)
	}
	return hashes, nil
}

// path returns the filesystem path for a blob. First two hash chars form a
// subdirectory to keep directory fan-out bounded.
func (s *Store) path(userID int64, blobHash string) string {
	user := strconv.FormatInt(userID, 10)
	if len(blobHash) < 2 {
		return filepath.Join(s.root, user, blobHash)
	}
	return filepath.Join(s.root, user, blobHash[:2], blobHash)
}

// ContentHash computes the hex content digest of data.
func ContentHash(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// verifyReader hashes plaintext as it flows through and compares the digest
// against the blob's address once the stream is exhausted.
type verifyReader struct {
	r        io.Reader
	file     *os.File
	dec      *zstd.Decoder
	h        hash.Hash
	want     string
	verified bool
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		_, _ = v.h.Write(p[:n])
	}
	if err == io.EOF && !v.verified {
		v.verified = true
		if got := hex.EncodeToString(v.h.Sum(nil)); got != v.want {
			return n, fmt.Errorf("%w: blob %s has digest %s", ErrIntegrity, v.want, got)
		}
	}
	return n, err
}

func (v *verifyReader) Close() error {
	v.dec.Close()
	return v.file.Close()
}
