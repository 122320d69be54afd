package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
	"github.com/JakeFAU/utility-tariff-monitor/internal/storage/local"
)

func readArchived(t *testing.T, baseDir, path string) string {
	t.Helper()
	// #nosec G304 -- test reads from its own temp directory.
	data, err := os.ReadFile(filepath.Join(baseDir, filepath.FromSlash(path)))
	require.NoError(t, err)
	return string(data)
}

func TestNewCreatesMissingArchiveDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "archive", "tariffs")
	_, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "writability probe must be cleaned up")
}

func TestNewRejectsUnusableBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"empty", "", "base directory is required"},
		{"blank", "   ", "base directory is required"},
		{"file", file, "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := local.New(local.Config{BaseDir: tt.dir})
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewRejectsReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	// #nosec G302 -- permissions lowered on purpose.
	require.NoError(t, os.Chmod(dir, 0o500))
	// #nosec G302 -- restored so TempDir cleanup succeeds.
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	_, err := local.New(local.Config{BaseDir: dir})
	require.ErrorContains(t, err, "not writable")
}

func TestPutObjectArchivesByContentHash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	path := reconcile.ArchivePath("tariffs", "Austin Energy", "3f2a9c")
	uri, err := store.PutObject(context.Background(), path, "application/pdf", strings.NewReader("%PDF-1.7 rates"))
	require.NoError(t, err)

	assert.Equal(t, "file://"+filepath.Join(dir, filepath.FromSlash(path)), uri)
	assert.Equal(t, "%PDF-1.7 rates", readArchived(t, dir, path))

	// Re-archiving the same hash replaces the file in place.
	_, err = store.PutObject(context.Background(), path, "application/pdf", strings.NewReader("%PDF-1.7 rates v2"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 rates v2", readArchived(t, dir, path))

	entries, err := os.ReadDir(filepath.Dir(filepath.Join(dir, filepath.FromSlash(path))))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may be left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "  ", "../outside.pdf", "tariffs/../../escape.pdf"} {
		_, err := store.PutObject(context.Background(), path, "application/pdf", bytes.NewReader([]byte("x")))
		assert.Error(t, err, path)
	}
}
