package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const staged = ".manifest_syncer-1234.partial"

func TestRemoveStalePartials(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("k"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, staged), []byte("p"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", staged), []byte("p"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "partial.txt"), []byte("k"), 0o644))

	removed, err := RemoveStalePartials(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.FileExists(t, filepath.Join(root, "keep.txt"))
	assert.FileExists(t, filepath.Join(root, "a", "partial.txt"))
	assert.NoFileExists(t, filepath.Join(root, staged))
	assert.NoFileExists(t, filepath.Join(root, "a", "b", staged))
}

func TestRemoveStalePartials_KeepsForeignPartialFiles(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "user"), 0o755))

	foreign := []string{
		filepath.Join(root, "user", "notes.partial"),
		filepath.Join(root, "mod.partial"),
		filepath.Join(root, "game.dll.partial"),
	}
	for _, path := range foreign {
		require.NoError(t, os.WriteFile(path, []byte("mine"), 0o644))
	}

	removed, err := RemoveStalePartials(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, removed)

	for _, path := range foreign {
		assert.FileExists(t, path)
	}
}

func TestRemoveStalePartials_MissingDir(t *testing.T) {
	removed, err := RemoveStalePartials(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRemoveStalePartials_Cancelled(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, staged), []byte("p"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RemoveStalePartials(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
	assert.FileExists(t, filepath.Join(root, staged))
}
