package token

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKV_SetGetDelete(t *testing.T) {
	kv, err := NewFileKV(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)

	_, ok, err := kv.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set("k", "v"))
	v, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, kv.Delete("k"))
	_, ok, err = kv.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	require.NoError(t, kv.Delete("k"))
}

func TestFileKV_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	kv, err := NewFileKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", "v"))

	kv2, err := NewFileKV(path)
	require.NoError(t, err)
	v, ok, err := kv2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestFileKV_OwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode semantics differ on windows")
	}

	path := filepath.Join(t.TempDir(), "store.json")
	kv, err := NewFileKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", "v"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileKV_CorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	kv, err := NewFileKV(path)
	require.NoError(t, err)

	_, _, err = kv.Get("k")
	assert.Error(t, err)
}
