package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "reports", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "reports/s-1/report.json", "application/json", strings.NewReader(`{"v":1}`))
	require.NoError(t, err)
	want := filepath.Join(dir, "reports", "s-1", "report.json")
	require.Equal(t, "file://"+want, uri)

	// #nosec G304 -- reads from the test's temp directory.
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(got))

	_, err = store.PutObject(ctx, "reports/s-1/report.json", "application/json", strings.NewReader(`{"v":2}`))
	require.NoError(t, err)
	// #nosec G304 -- reads from the test's temp directory.
	got, err = os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(got))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "../escape.json", "application/json", strings.NewReader("x"))
	require.ErrorIs(t, err, local.ErrOutsideBaseDir)
	_, err = store.PutObject(ctx, "", "application/json", strings.NewReader("x"))
	require.Error(t, err)
}
