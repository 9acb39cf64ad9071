package verify

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bkup/internal/archive"
	"bkup/internal/checksum"
)

// makeArchive builds a small archive with its sidecar, the way a
// completed backup run leaves them.
func makeArchive(t *testing.T, dir string, compress bool) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta content"), 0o644))

	out := filepath.Join(dir, "docs_host_20240115-103000"+archive.Extension(compress))
	f, err := os.Create(out)
	require.NoError(t, err)
	_, err = archive.Write(context.Background(), f, src, nil, compress)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	digest, err := checksum.File(out)
	require.NoError(t, err)
	require.NoError(t, checksum.WriteSidecar(out, digest))
	return out
}

func TestRunValidArchive(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			archivePath := makeArchive(t, t.TempDir(), compress)

			result := Run(archivePath, "")
			assert.True(t, result.IsValid)
			assert.True(t, result.ChecksumOK)
			assert.True(t, result.Extractable)
			assert.Empty(t, result.Errors)
			assert.Positive(t, result.SizeBytes)
		})
	}
}

func TestRunFlippedByte(t *testing.T) {
	archivePath := makeArchive(t, t.TempDir(), false)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	result := Run(archivePath, "")
	assert.False(t, result.ChecksumOK, "a single flipped byte must fail the checksum")
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors)
}

func TestRunTruncatedArchive(t *testing.T) {
	archivePath := makeArchive(t, t.TempDir(), true)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archivePath, data[:len(data)/2], 0o644))

	result := Run(archivePath, "")
	assert.False(t, result.Extractable)
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors, "truncation must produce a descriptive error")
}

func TestRunEmptyArchive(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty_host_20240115-103000.tar")
	f, err := os.Create(out)
	require.NoError(t, err)
	require.NoError(t, tar.NewWriter(f).Close())
	require.NoError(t, f.Close())

	digest, err := checksum.File(out)
	require.NoError(t, err)
	require.NoError(t, checksum.WriteSidecar(out, digest))

	result := Run(out, "")
	assert.True(t, result.Extractable, "a well-formed empty archive is not corrupt")
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.Contains(t, result.Warnings, "archive contains no entries")
}

func TestRunCallerSuppliedDigest(t *testing.T) {
	archivePath := makeArchive(t, t.TempDir(), false)
	digest, err := checksum.File(archivePath)
	require.NoError(t, err)

	// Losing the sidecar is survivable when the caller knows the
	// digest.
	require.NoError(t, os.Remove(checksum.SidecarPath(archivePath)))

	result := Run(archivePath, digest)
	assert.True(t, result.IsValid)

	wrong := Run(archivePath, "0000000000000000")
	assert.False(t, wrong.ChecksumOK)
}

func TestRunMissingSidecarAndDigest(t *testing.T) {
	archivePath := makeArchive(t, t.TempDir(), false)
	require.NoError(t, os.Remove(checksum.SidecarPath(archivePath)))

	result := Run(archivePath, "")
	assert.False(t, result.ChecksumOK)
	assert.True(t, result.Extractable, "structure check still runs without a checksum")
	assert.False(t, result.IsValid)
}

func TestRunMissingArchive(t *testing.T) {
	result := Run(filepath.Join(t.TempDir(), "absent.tar"), "")
	assert.False(t, result.IsValid)
	assert.False(t, result.ChecksumOK)
	assert.False(t, result.Extractable)
	assert.NotEmpty(t, result.Errors)
}

func TestRunNeverMutates(t *testing.T) {
	archivePath := makeArchive(t, t.TempDir(), false)
	before, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	sidecarBefore, err := os.ReadFile(checksum.SidecarPath(archivePath))
	require.NoError(t, err)

	Run(archivePath, "")

	after, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	sidecarAfter, err := os.ReadFile(checksum.SidecarPath(archivePath))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, sidecarBefore, sidecarAfter)
}

func TestAll(t *testing.T) {
	dir := t.TempDir()
	good := makeArchive(t, dir, true)

	// A second, corrupted archive in the same directory.
	bad := filepath.Join(dir, "other_host_20240116-103000.tar")
	require.NoError(t, os.WriteFile(bad, []byte("not a tar stream at all"), 0o644))

	results, err := All(dir)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byPath := map[string]*Result{}
	for _, r := range results {
		byPath[r.ArchivePath] = r
	}
	assert.True(t, byPath[good].IsValid)
	assert.False(t, byPath[bad].IsValid)
}
