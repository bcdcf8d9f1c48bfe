// Package hashing derives content-addressed document ids.
//
// A document id is a URL-safe truncation of a SHA-256 hash over the file
// bytes, optionally mixed with the display filename. Identical bytes and
// name always produce the same id, which is what makes ingestion dedup
// possible.
package hashing

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// DefaultIDLength is the default truncation for document ids.
const DefaultIDLength = 24

// chunkSize is the read granularity when streaming large files.
const chunkSize = 1 << 20 // 1 MiB

// Hasher computes content-addressed document ids.
type Hasher struct {
	// IDLength truncates the URL-safe base64 id. 0 means full length.
	IDLength int
}

// New creates a Hasher with the default id length.
func New() *Hasher {
	return &Hasher{IDLength: DefaultIDLength}
}

// HashBytes hashes in-memory content. When filename is non-empty it is mixed
// into the digest so the same bytes under different names yield different ids.
func (h *Hasher) HashBytes(data []byte, filename string) string {
	sum := sha256.New()
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		sum.Write(data[off:end])
	}
	if filename != "" {
		sum.Write([]byte("\n"))
		sum.Write([]byte(filename))
	}
	return h.encode(sum.Sum(nil))
}

// HashReader hashes a stream. If r is seekable its position is restored
// before returning, so callers can hash and then re-read the same stream.
func (h *Hasher) HashReader(r io.Reader, filename string) (string, error) {
	var start int64
	seeker, seekable := r.(io.Seeker)
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return "", fmt.Errorf("failed to record stream position: %w", err)
		}
		start = pos
	}

	sum := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(sum, r, buf); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}
	if filename != "" {
		sum.Write([]byte("\n"))
		sum.Write([]byte(filename))
	}

	if seekable {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to restore stream position: %w", err)
		}
	}

	return h.encode(sum.Sum(nil)), nil
}

// HashFile hashes a file on disk. When includeFilename is non-empty it is
// mixed into the digest (typically the display name, not the path).
func (h *Hasher) HashFile(path string, includeFilename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return h.HashReader(f, includeFilename)
}

func (h *Hasher) encode(digest []byte) string {
	id := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(digest)
	if h.IDLength > 0 && h.IDLength < len(id) {
		id = id[:h.IDLength]
	}
	return id
}
