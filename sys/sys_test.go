package sys

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("v1"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("v2"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may be left behind")
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "missing", "f"), []byte("x"), 0644)
	assert.Error(t, err)
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, IsTempFile("/a/b/.00000000000000000001.json.tmp-1234"))
	assert.False(t, IsTempFile("/a/b/00000000000000000001.json"))
	assert.False(t, IsTempFile(".hidden"))
}

func TestAcquireDirLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock semantics differ on windows")
	}
	path := filepath.Join(t.TempDir(), "LOCK")

	release, err := AcquireDirLock(path)
	require.NoError(t, err)

	_, err = AcquireDirLock(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked), "got %v", err)

	require.NoError(t, release())
	release, err = AcquireDirLock(path)
	require.NoError(t, err, "lock must be reusable after release")
	require.NoError(t, release())
}

func TestPreallocate(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "seg"))
	require.NoError(t, err)
	defer f.Close()

	err = Preallocate(f, 1<<20)
	if errors.Is(err, ErrPreallocNotSupported) {
		t.Skip("preallocation not supported here")
	}
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "visible size must not change")
}
