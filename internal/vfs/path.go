package vfs

import (
	"fmt"
	"strings"
)

const maxNameLen = 255

// ValidateName checks a single path component supplied by a client.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrPathTraversal)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name too long", ErrPathTraversal)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: invalid characters in %q", ErrPathTraversal, name)
	}
	return nil
}

// SplitPath normalizes a client-supplied path and returns its components.
// An empty result addresses the user's root. Backslashes are treated as
// separators since device firmware is inconsistent about them. Dot and
// dot-dot segments are rejected rather than resolved; a traversal attempt
// is a protocol violation, not something to silently clamp.
func SplitPath(p string) ([]string, error) {
	if strings.ContainsRune(p, '\x00') {
		return nil, fmt.Errorf("%w: null byte in path", ErrPathTraversal)
	}

	p = strings.ReplaceAll(p, "\\", "/")
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if err := ValidateName(seg); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// JoinPath renders components back into a canonical absolute path.
func JoinPath(segs []string) string {
	return "/" + strings.Join(segs, "/")
}
