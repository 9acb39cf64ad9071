// Package checksum computes BLAKE3 digests over archive files and
// manages the sidecar file storing them. The sidecar keeps the
// b3sum/sha256sum convention: "<hex-digest>  <archive-basename>".
package checksum

import (
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"bkup/internal/errdefs"
)

// SidecarSuffix is appended to the archive path to form the sidecar
// checksum file path.
const SidecarSuffix = ".b3"

// NewHasher returns a streaming BLAKE3 hasher, for callers that hash
// while writing.
func NewHasher() hash.Hash {
	return blake3.New()
}

// Format renders a hasher sum as the lowercase hex digest used
// everywhere in the engine.
func Format(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

// File computes the BLAKE3 hash of a file.
func File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return Format(hasher), nil
}

// SidecarPath returns the sidecar checksum file path for an archive.
func SidecarPath(archivePath string) string {
	return archivePath + SidecarSuffix
}

// WriteSidecar writes the sidecar for archivePath via a temp file and
// rename, so a half-written sidecar is never visible.
func WriteSidecar(archivePath, digest string) error {
	path := SidecarPath(archivePath)
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(archivePath))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}

// ReadSidecar parses a sidecar file and returns the stored digest and
// archive basename.
func ReadSidecar(sidecarPath string) (digest, name string, err error) {
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return "", "", err
	}
	line := strings.TrimSpace(string(data))
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: malformed sidecar %s", errdefs.ErrIntegrity, sidecarPath)
	}
	return fields[0], fields[1], nil
}
