package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	in := map[string]int{"a": 1}
	require.NoError(t, WriteJSON(path, in))

	var out map[string]int
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	assert.Error(t, ReadJSON(path, &out))
}

func TestCopyReadOnly(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tech-stack.md")
	dst := filepath.Join(dir, "copy.md")
	require.NoError(t, os.WriteFile(src, []byte("# Stack\nGo\n"), 0o644))

	require.NoError(t, CopyReadOnly(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, IsReadOnlyCopy(data))
	assert.Contains(t, string(data), "# Stack\nGo\n")

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}

func TestSafeRemoveAll(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "tasks", "a")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	outside := t.TempDir()

	require.NoError(t, SafeRemoveAll(inside, filepath.Join(root, "tasks")))
	assert.False(t, Exists(inside))

	err := SafeRemoveAll(outside, filepath.Join(root, "tasks"))
	var notUnder *ErrNotUnderPrefix
	require.True(t, errors.As(err, &notUnder))
	assert.True(t, Exists(outside))

	err = SafeRemoveAll(filepath.Join(root, "tasks"), filepath.Join(root, "tasks"))
	assert.Error(t, err, "the prefix itself is never removed")

	assert.NoError(t, SafeRemoveAll(filepath.Join(root, "tasks", "missing"), filepath.Join(root, "tasks")))
}

func TestSafeRemoveAll_Symlink(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "tasks")
	require.NoError(t, os.MkdirAll(prefix, 0o755))
	outside := t.TempDir()
	link := filepath.Join(prefix, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	assert.Error(t, SafeRemoveAll(link, prefix))
	assert.True(t, Exists(outside))
}

func TestIsSubpath(t *testing.T) {
	assert.True(t, IsSubpath("/a/b/c", "/a/b"))
	assert.False(t, IsSubpath("/a/b", "/a/b"))
	assert.False(t, IsSubpath("/a/bc", "/a/b"))
	assert.True(t, IsSubpath("/a/b/c", "/a/b/"))
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	dst := filepath.Join(dir, "q", "nested", "f.txt")

	require.NoError(t, MoveFile(src, dst))
	assert.False(t, Exists(src))
	assert.True(t, Exists(dst))
}
