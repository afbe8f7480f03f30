package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractPreservesLayout(t *testing.T) {
	dest := t.TempDir()
	data := buildZip(t, map[string]string{
		"package.json":      `{"name":"demo"}`,
		"src/main.tsx":      "render()",
		"src/deep/a/b.css":  "body{}",
		"__MACOSX/._junk":   "x",
		"public/.DS_Store":  "x",
		"public/index.html": "<html/>",
	})

	res, err := Extract(data, dest, Limits{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Files)
	assert.Empty(t, res.Unwrapped)
	assert.FileExists(t, filepath.Join(dest, "src", "deep", "a", "b.css"))
	assert.NoFileExists(t, filepath.Join(dest, "public", ".DS_Store"))
}

func TestExtractUnwrapsSingleTopLevelDirectory(t *testing.T) {
	dest := t.TempDir()
	data := buildZip(t, map[string]string{
		"my-app/package.json": "{}",
		"my-app/src/index.js": "",
	})

	res, err := Extract(data, dest, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "my-app", res.Unwrapped)
	assert.FileExists(t, filepath.Join(dest, "package.json"))
	assert.FileExists(t, filepath.Join(dest, "src", "index.js"))
}

func TestExtractRejectsTraversal(t *testing.T) {
	dest := t.TempDir()
	data := buildZip(t, map[string]string{
		"ok.txt":        "fine",
		"../escape.txt": "nope",
	})

	_, err := Extract(data, dest, Limits{})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractEnforcesLimits(t *testing.T) {
	data := buildZip(t, map[string]string{"a": "1234567890", "b": "x"})

	_, err := Extract(data, t.TempDir(), Limits{MaxFiles: 1})
	require.Error(t, err)

	_, err = Extract(data, t.TempDir(), Limits{MaxBytes: 5})
	require.Error(t, err)
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract([]byte("not a zip"), t.TempDir(), Limits{})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(ctx, "p1")
	require.ErrorIs(t, err, ErrNotFound)

	h1, err := fs.Put(ctx, "p1", []byte("v1"))
	require.NoError(t, err)
	h2, err := fs.Put(ctx, "p2", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "identical content shares an object")

	_, err = fs.Put(ctx, "p1", []byte("v2"))
	require.NoError(t, err)
	got, err := fs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	got, err = fs.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, fs.Delete(ctx, "p1"))
	require.ErrorIs(t, fs.Delete(ctx, "p1"), ErrNotFound)

	_, err = fs.Put(ctx, "../evil", []byte("x"))
	require.Error(t, err)
}
