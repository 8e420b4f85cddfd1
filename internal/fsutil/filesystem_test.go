package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	fsys := OSFileSystem{}
	name := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, fsys.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, WriteFileAtomic(fsys, name, []byte("fused"), 0o644))
	assert.True(t, fsys.Exists(name))
	assert.False(t, fsys.Exists(name+".tmp"))

	data, err := fsys.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "fused", string(data))
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/runs/a/out.safetensors", []byte("abc"), 0o644))

	data, err := mfs.ReadFile("/runs/a/../a/out.safetensors")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	// Parents exist implicitly.
	info, err := mfs.Stat("/runs/a")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Returned bytes are a copy.
	data[0] = 'z'
	again, _ := mfs.ReadFile("/runs/a/out.safetensors")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryFileSystem_CreateAndOpen(t *testing.T) {
	mfs := NewMemoryFileSystem()
	w, err := mfs.Create("/report.html")
	require.NoError(t, err)
	_, err = io.WriteString(w, "<html>")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := mfs.Open("/report.html")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(data))

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size())
}

func TestMemoryFileSystem_Missing(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_, err := mfs.ReadFile("/nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = mfs.Open("/nope")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, mfs.Remove("/nope"), fs.ErrNotExist)
	assert.ErrorIs(t, mfs.Rename("/nope", "/other"), fs.ErrNotExist)
	assert.False(t, mfs.Exists("/nope"))
}

func TestMemoryFileSystem_AtomicWrite(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, WriteFileAtomic(mfs, "/out/x.pcd", []byte("pcd"), 0o644))
	assert.Equal(t, []string{"/out/x.pcd"}, mfs.Files())
}

func TestMemoryFileSystem_Remove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/a/b", 0o755))
	assert.True(t, mfs.Exists("/a"))
	require.NoError(t, mfs.Remove("/a/b"))
	assert.False(t, mfs.Exists("/a/b"))
}
