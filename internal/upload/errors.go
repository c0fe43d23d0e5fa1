package upload

import "errors"

var (
	// ErrSessionNotFound indicates an unknown or already finished session.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionExpired indicates the session idled past its TTL.
	ErrSessionExpired = errors.New("upload session expired")

	// ErrIncomplete indicates finish was called before every byte of the
	// declared range was received.
	ErrIncomplete = errors.New("upload incomplete")

	// ErrHashMismatch indicates assembled content does not match the digest
	// the client declared.
	ErrHashMismatch = errors.New("uploaded content does not match declared digest")

	// ErrChunkOutOfRange indicates a chunk past the declared file size.
	ErrChunkOutOfRange = errors.New("chunk exceeds declared size")

	// ErrChunkTooLarge indicates a chunk above the configured maximum.
	ErrChunkTooLarge = errors.New("chunk exceeds maximum size")
)
