package signer

import "errors"

var (
	// ErrExpired indicates a grant that was once valid but has aged out.
	ErrExpired = errors.New("signed url expired")

	// ErrDenied indicates a grant that was never valid for this request:
	// bad signature, wrong scope, or a nonce that was already consumed.
	ErrDenied = errors.New("signed url denied")
)
