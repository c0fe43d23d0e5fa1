package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Note", "NOTE/Note"},
		{"Note/daily/monday.note", "NOTE/Note/daily/monday.note"},
		{"MyStyle/cover.png", "NOTE/MyStyle/cover.png"},
		{"Document/spec.pdf", "DOCUMENT/Document/spec.pdf"},
		{"Export/out.pdf", "Export/out.pdf"},
		{"Inbox", "Inbox"},
		{"NOTE/Note/x", "NOTE/Note/x"},
		{"random/dir", "random/dir"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandPath(tt.in), tt.in)
	}
}

func TestCollapsePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NOTE/Note/daily/monday.note", "/Note/daily/monday.note"},
		{"/NOTE/MyStyle", "/MyStyle"},
		{"DOCUMENT/Document/spec.pdf", "/Document/spec.pdf"},
		{"NOTE", "/"},
		{"Export/out.pdf", "/Export/out.pdf"},
		{"/", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CollapsePath(tt.in), tt.in)
	}
}

func TestIsImmutablePath(t *testing.T) {
	immutable := [][]string{
		{"NOTE"}, {"DOCUMENT"}, {"Export"}, {"Inbox"}, {"Screenshot"},
		{"NOTE", "Note"}, {"NOTE", "MyStyle"}, {"DOCUMENT", "Document"},
	}
	for _, segs := range immutable {
		assert.True(t, IsImmutablePath(segs), "%v", segs)
	}

	mutable := [][]string{
		{"Projects"},
		{"NOTE", "Note", "daily"},
		{"NOTE", "Custom"},
		{"Export", "out.pdf"},
		{"DOCUMENT", "MyStyle"},
	}
	for _, segs := range mutable {
		assert.False(t, IsImmutablePath(segs), "%v", segs)
	}
}

func TestSplitPath(t *testing.T) {
	segs, err := SplitPath("/NOTE//Note/a.note")
	assert.NoError(t, err)
	assert.Equal(t, []string{"NOTE", "Note", "a.note"}, segs)

	segs, err = SplitPath("NOTE\\Note\\a.note")
	assert.NoError(t, err)
	assert.Equal(t, []string{"NOTE", "Note", "a.note"}, segs)

	segs, err = SplitPath("/")
	assert.NoError(t, err)
	assert.Nil(t, segs)

	for _, p := range []string{"..", "/a/../b", "./a", "a/\x00b"} {
		_, err := SplitPath(p)
		assert.ErrorIs(t, err, ErrPathTraversal, p)
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("meeting notes.note"))
	for _, name := range []string{"", ".", "..", "a/b", "a\\b", "a\x00b", string(make([]byte, 256))} {
		assert.ErrorIs(t, ValidateName(name), ErrPathTraversal, name)
	}
}
