// Package hasher computes the content digest used to address parse
// artifacts and to detect upstream content changes.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the read size used by Digest.
const ChunkSize = 8192

// Digest returns the hex-encoded SHA-256 of everything read from r and the
// number of bytes consumed. Memory use is bounded by ChunkSize.
func Digest(r io.Reader) (string, int64, error) {
	return DigestChunked(r, ChunkSize)
}

// DigestChunked is Digest with an explicit read size. The result does not
// depend on chunkSize.
func DigestChunked(r io.Reader, chunkSize int) (string, int64, error) {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	hash := sha256.New()
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(hash, onlyReader{r}, buf)
	if err != nil {
		return "", n, fmt.Errorf("failed to read content for hashing: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// File hashes the file at path.
func File(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	return Digest(file)
}

// onlyReader hides WriterTo so io.CopyBuffer really reads in chunkSize steps.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }
