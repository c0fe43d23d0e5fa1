package blob

import "errors"

var (
	// ErrNotFound indicates the requested blob does not exist on disk.
	ErrNotFound = errors.New("blob not found")

	// ErrIntegrity indicates stored bytes no longer match their content hash.
	ErrIntegrity = errors.New("blob integrity check failed")
)
