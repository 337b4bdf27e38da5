// Package checksum computes and compares SHA-256 content digests for
// binary payload round-trip verification.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
)

// Digest calculates the SHA-256 hex digest of data.
func Digest(data []byte) string {
	h := sha256.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DigestFromReader calculates the SHA-256 hex digest from an io.Reader.
func DigestFromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the digest of data against the expected digest. A
// mismatch is an INTEGRITY_ERROR: re-transferring the same bytes will not
// fix genuine corruption, so the caller must regenerate the source payload.
func Verify(data []byte, expected string) error {
	actual := Digest(data)
	if actual != expected {
		return apperrors.New(apperrors.ErrIntegrity,
			fmt.Sprintf("digest mismatch: expected %s, got %s", expected, actual))
	}
	return nil
}

// HashingReader wraps a reader and digests content as it is read.
type HashingReader struct {
	reader io.Reader
	hash   hash.Hash
}

// NewHashingReader creates a HashingReader over r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		reader: r,
		hash:   sha256.New(),
	}
}

// Read reads data and updates the digest.
func (h *HashingReader) Read(p []byte) (int, error) {
	n, err := h.reader.Read(p)
	if n > 0 {
		h.hash.Write(p[:n])
	}
	return n, err
}

// Digest returns the digest of everything read so far.
func (h *HashingReader) Digest() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

// HashingWriter wraps a writer and digests content as it is written.
type HashingWriter struct {
	writer io.Writer
	hash   hash.Hash
}

// NewHashingWriter creates a HashingWriter over w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		writer: w,
		hash:   sha256.New(),
	}
}

// Write writes data and updates the digest.
func (h *HashingWriter) Write(p []byte) (int, error) {
	h.hash.Write(p)
	return h.writer.Write(p)
}

// Digest returns the digest of everything written so far.
func (h *HashingWriter) Digest() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}
