package ingest

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWalkFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := []string{
		"/docs/readme.md",
		"/docs/report.pdf",
		"/docs/image.png",
		"/docs/.hidden.md",
		"/docs/sub/notes.txt",
		"/docs/sub/deep/data.csv",
		"/docs/.git/config.md",
	}
	for _, path := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte("x"), 0o644))
	}
	return fs
}

func TestCollectFiles_Recursive(t *testing.T) {
	fs := seedWalkFs(t)

	paths, err := CollectFiles(fs, "/docs", WalkOptions{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/docs/readme.md",
		"/docs/report.pdf",
		"/docs/sub/deep/data.csv",
		"/docs/sub/notes.txt",
	}, paths, "unsupported, hidden, and dot-dir files are skipped")
}

func TestCollectFiles_NonRecursive(t *testing.T) {
	fs := seedWalkFs(t)

	paths, err := CollectFiles(fs, "/docs", WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/readme.md", "/docs/report.pdf"}, paths)
}

func TestCollectFiles_ExtensionOverride(t *testing.T) {
	fs := seedWalkFs(t)

	paths, err := CollectFiles(fs, "/docs", WalkOptions{
		Recursive:  true,
		Extensions: []string{".PNG"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/image.png"}, paths, "extension match is case-insensitive")
}
