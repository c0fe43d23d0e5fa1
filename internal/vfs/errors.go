package vfs

import "errors"

var (
	// ErrNotFound indicates the path or node does not exist (or is recycled).
	ErrNotFound = errors.New("node not found")

	// ErrNameConflict indicates a live sibling already occupies the name.
	ErrNameConflict = errors.New("name already in use")

	// ErrNotDirectory indicates a directory operation targeted a file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrImmutable indicates the node is a system directory that cannot be
	// renamed, moved or deleted.
	ErrImmutable = errors.New("system directory is immutable")

	// ErrInvalidDestination indicates a move that would place a directory
	// inside its own subtree.
	ErrInvalidDestination = errors.New("destination is inside the source")

	// ErrPathTraversal indicates a path or name that tries to escape the
	// user's tree.
	ErrPathTraversal = errors.New("path escapes user tree")
)
