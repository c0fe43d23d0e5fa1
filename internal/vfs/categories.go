package vfs

import "strings"

// Devices organize their libraries under two-level category containers
// (/NOTE/Note, /NOTE/MyStyle, /DOCUMENT/Document) while the web surface
// presents the same folders flat (/Note, /MyStyle, /Document). Export,
// Inbox and Screenshot are flat in both views. This table is the single
// source of truth for the mapping; nothing else may hardcode it.

// containerChildren maps each category container to the folders it holds.
var containerChildren = map[string][]string{
	"NOTE":     {"Note", "MyStyle"},
	"DOCUMENT": {"Document"},
}

// childContainer is the inverse mapping, built once at init.
var childContainer = map[string]string{}

// flatFolders are system folders shown identically in both views.
var flatFolders = []string{"Export", "Inbox", "Screenshot"}

func init() {
	for container, children := range containerChildren {
		for _, child := range children {
			childContainer[child] = container
		}
	}
}

// BootstrapPaths returns every system directory a fresh user tree needs,
// parents before children.
func BootstrapPaths() []string {
	paths := []string{
		"NOTE", "NOTE/Note", "NOTE/MyStyle",
		"DOCUMENT", "DOCUMENT/Document",
	}
	return append(paths, flatFolders...)
}

// ExpandPath translates a web-view path to the internal (device) layout:
// "Note/foo" becomes "NOTE/Note/foo". Paths that do not start with a
// collapsed category folder pass through untouched.
func ExpandPath(p string) string {
	segs := strings.Split(strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return p
	}
	container, ok := childContainer[segs[0]]
	if !ok {
		return p
	}
	return strings.Join(append([]string{container}, segs...), "/")
}

// CollapsePath translates an internal path to the flat web view:
// "NOTE/Note/foo" becomes "Note/foo". A bare container collapses to the
// root, since the web surface never shows containers themselves.
func CollapsePath(p string) string {
	segs := strings.Split(strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "/"
	}
	if _, ok := containerChildren[segs[0]]; !ok {
		return JoinPath(segs)
	}
	if len(segs) == 1 {
		return "/"
	}
	return JoinPath(segs[1:])
}

// IsContainer reports whether name is a category container (NOTE, DOCUMENT).
func IsContainer(name string) bool {
	_, ok := containerChildren[name]
	return ok
}

// IsImmutablePath reports whether the path addresses a system directory
// that must never be renamed, moved or deleted.
func IsImmutablePath(segs []string) bool {
	switch len(segs) {
	case 1:
		if IsContainer(segs[0]) {
			return true
		}
		for _, f := range flatFolders {
			if segs[0] == f {
				return true
			}
		}
	case 2:
		for _, child := range containerChildren[segs[0]] {
			if segs[1] == child {
				return true
			}
		}
	}
	return false
}
