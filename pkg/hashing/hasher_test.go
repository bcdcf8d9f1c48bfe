package hashing

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes_Deterministic(t *testing.T) {
	h := New()

	a := h.HashBytes([]byte("# Hello\n\nworld"), "hello.md")
	b := h.HashBytes([]byte("# Hello\n\nworld"), "hello.md")
	assert.Equal(t, a, b, "same bytes and name must produce the same id")
	assert.Len(t, a, DefaultIDLength)
}

func TestHashBytes_FilenameChangesID(t *testing.T) {
	h := New()

	data := []byte("identical content")
	a := h.HashBytes(data, "one.txt")
	b := h.HashBytes(data, "two.txt")
	c := h.HashBytes(data, "")
	assert.NotEqual(t, a, b, "different names must produce different ids")
	assert.NotEqual(t, a, c)
}

func TestHashBytes_URLSafe(t *testing.T) {
	h := New()

	urlSafe := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	for _, data := range [][]byte{
		[]byte("a"),
		[]byte("some longer content with\nnewlines and \x00 bytes"),
		bytes.Repeat([]byte{0xff}, 4096),
	} {
		id := h.HashBytes(data, "f.bin")
		assert.True(t, urlSafe.MatchString(id), "id %q must be URL-safe", id)
	}
}

func TestHashBytes_FullLength(t *testing.T) {
	h := &Hasher{IDLength: 0}

	id := h.HashBytes([]byte("content"), "")
	// 32-byte digest, unpadded URL-safe base64.
	assert.Len(t, id, 43)
}

func TestHashReader_PreservesPosition(t *testing.T) {
	h := New()

	r := bytes.NewReader([]byte("stream content"))
	_, err := r.Seek(7, io.SeekStart)
	require.NoError(t, err)

	id, err := h.HashReader(r, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos, "stream position must be restored")
}

func TestHashFile_MatchesHashBytes(t *testing.T) {
	h := New()

	data := []byte("file content for hashing")
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fromFile, err := h.HashFile(path, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes(data, "doc.txt"), fromFile)
}

func TestHashReader_LargeStream(t *testing.T) {
	h := New()

	// Larger than one read chunk to exercise the streaming path.
	data := bytes.Repeat([]byte("abcdefgh"), 300_000) // ~2.4 MiB
	id, err := h.HashReader(bytes.NewReader(data), "big.bin")
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes(data, "big.bin"), id)
}
