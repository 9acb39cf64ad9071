package restore

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bkup/internal/archive"
	"bkup/internal/errdefs"
)

type tarEntry struct {
	name     string
	typeflag byte
	linkname string
	body     string
}

// makeTar hand-crafts a plain tar so tests can include entries the
// archiver itself would never produce.
func makeTar(t *testing.T, entries []tarEntry) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "crafted.tar")
	f, err := os.Create(filename)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())
	return filename
}

// makeArchive packs a source tree using the production archiver.
func makeArchive(t *testing.T, source string, compress bool) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "backup"+archive.Extension(compress))
	f, err := os.Create(filename)
	require.NoError(t, err)
	_, err = archive.Write(context.Background(), f, source, nil, compress)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return filename
}

func dirEntryNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			source := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(source, "sub"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(source, "a.txt"), []byte("alpha"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(source, "sub", "b.txt"), []byte("beta"), 0o644))
			require.NoError(t, os.Symlink("a.txt", filepath.Join(source, "link")))

			archivePath := makeArchive(t, source, compress)
			dest := t.TempDir()

			result, err := Run(context.Background(), archivePath, dest, Options{})
			require.NoError(t, err)

			root := filepath.Join(dest, filepath.Base(source))
			data, err := os.ReadFile(filepath.Join(root, "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(data))

			data, err = os.ReadFile(filepath.Join(root, "sub", "b.txt"))
			require.NoError(t, err)
			assert.Equal(t, "beta", string(data))

			linkTarget, err := os.Readlink(filepath.Join(root, "link"))
			require.NoError(t, err)
			assert.Equal(t, "a.txt", linkTarget)

			assert.Equal(t, int64(len("alpha")+len("beta")), result.BytesWritten)
			assert.Empty(t, result.Skipped)
			assert.Greater(t, result.EntriesWritten, 3)
			assert.NoFileExists(t, filepath.Join(root, "a.txt.tmp"))
			assert.NoFileExists(t, filepath.Join(root, "sub", "b.txt.tmp"))
		})
	}
}

func TestRunRejectsPathTraversal(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "ok.txt", typeflag: tar.TypeReg, body: "fine"},
		{name: "../../etc/passwd", typeflag: tar.TypeReg, body: "root::0:0::/:/bin/sh"},
	})
	dest := t.TempDir()

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrSecurity)
	assert.Empty(t, dirEntryNames(t, dest), "destination must be untouched")
}

func TestRunRejectsAbsolutePath(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "/etc/crontab", typeflag: tar.TypeReg, body: "* * * * * true"},
	})
	dest := t.TempDir()

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrSecurity)
	assert.Empty(t, dirEntryNames(t, dest))
}

func TestRunRejectsEscapingSymlink(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "evil", typeflag: tar.TypeSymlink, linkname: "../../outside"},
	})
	dest := t.TempDir()

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrSecurity)
	assert.Empty(t, dirEntryNames(t, dest))
}

func TestRunRejectsChainedSymlinkEscape(t *testing.T) {
	// Each link target cleans to an in-root path, but the chain
	// resolves s1 to the destination's parent directory.
	archivePath := makeTar(t, []tarEntry{
		{name: "a/", typeflag: tar.TypeDir},
		{name: "s2", typeflag: tar.TypeSymlink, linkname: "a/.."},
		{name: "s1", typeflag: tar.TypeSymlink, linkname: "s2/.."},
		{name: "s1/evil.txt", typeflag: tar.TypeReg, body: "pwned"},
	})
	parent := t.TempDir()
	dest := filepath.Join(parent, "restored")

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrSecurity)

	assert.NoFileExists(t, filepath.Join(parent, "evil.txt"),
		"nothing may be written outside the destination root")
	assert.NoFileExists(t, filepath.Join(parent, "evil.txt.tmp"))
	assert.NoDirExists(t, dest, "rollback must undo everything it created")
}

func TestRunRejectsEscapingHardlinkChain(t *testing.T) {
	// The hardlink source is an in-root path lexically but resolves
	// through the symlink chain to a file outside the destination.
	archivePath := makeTar(t, []tarEntry{
		{name: "a/", typeflag: tar.TypeDir},
		{name: "s2", typeflag: tar.TypeSymlink, linkname: "a/.."},
		{name: "s1", typeflag: tar.TypeSymlink, linkname: "s2/.."},
		{name: "stolen", typeflag: tar.TypeLink, linkname: "s1/secret.txt"},
	})
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("hidden"), 0o644))
	dest := filepath.Join(parent, "restored")

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrSecurity)
	assert.NoDirExists(t, dest)
}

func TestRunBestEffortSkipsUnsafeEntries(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "good.txt", typeflag: tar.TypeReg, body: "kept"},
		{name: "../escape.txt", typeflag: tar.TypeReg, body: "dropped"},
		{name: "evil", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})
	dest := t.TempDir()

	result, err := Run(context.Background(), archivePath, dest, Options{BestEffort: true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "good.txt"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	assert.Equal(t, []string{"../escape.txt", "evil"}, result.Skipped, "skip list is sorted")
	assert.Equal(t, 1, result.EntriesWritten)
	assert.NoFileExists(t, filepath.Join(dest, "evil"))
}

func TestRunRefusesOverwriteByDefault(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "new.txt", typeflag: tar.TypeReg, body: "new"},
		{name: "existing.txt", typeflag: tar.TypeReg, body: "incoming"},
	})
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "existing.txt"), []byte("original"), 0o644))

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrIO)

	// Screening failed before extraction, so the safe entry was not
	// written either.
	assert.NoFileExists(t, filepath.Join(dest, "new.txt"))
	data, err := os.ReadFile(filepath.Join(dest, "existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRunOverwriteReplacesFiles(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "existing.txt", typeflag: tar.TypeReg, body: "incoming"},
	})
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "existing.txt"), []byte("original"), 0o644))

	result, err := Run(context.Background(), archivePath, dest, Options{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesWritten)

	data, err := os.ReadFile(filepath.Join(dest, "existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "incoming", string(data))
}

func TestRunOverwriteReplacesSymlinkInsteadOfFollowingIt(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "existing.txt", typeflag: tar.TypeReg, body: "incoming"},
	})
	dest := t.TempDir()
	victim := filepath.Join(dest, "victim.txt")
	require.NoError(t, os.WriteFile(victim, []byte("untouched"), 0o644))
	require.NoError(t, os.Symlink("victim.txt", filepath.Join(dest, "existing.txt")))

	_, err := Run(context.Background(), archivePath, dest, Options{Overwrite: true})
	require.NoError(t, err)

	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(data), "write must not go through the symlink")

	info, err := os.Lstat(filepath.Join(dest, "existing.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink, "symlink replaced by a regular file")

	data, err = os.ReadFile(filepath.Join(dest, "existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "incoming", string(data))
}

func TestRunBestEffortSkipsExistingWithoutOverwrite(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "existing.txt", typeflag: tar.TypeReg, body: "incoming"},
		{name: "new.txt", typeflag: tar.TypeReg, body: "new"},
	})
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "existing.txt"), []byte("original"), 0o644))

	result, err := Run(context.Background(), archivePath, dest, Options{BestEffort: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"existing.txt"}, result.Skipped)

	data, err := os.ReadFile(filepath.Join(dest, "existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.FileExists(t, filepath.Join(dest, "new.txt"))
}

func TestRunRollsBackOnFailure(t *testing.T) {
	// The hardlink target passes screening but does not exist at
	// extraction time, so the link fails and everything written
	// before it must be removed again.
	archivePath := makeTar(t, []tarEntry{
		{name: "sub/", typeflag: tar.TypeDir},
		{name: "sub/a.txt", typeflag: tar.TypeReg, body: "written first"},
		{name: "dangling", typeflag: tar.TypeLink, linkname: "missing.txt"},
	})
	dest := t.TempDir()

	_, err := Run(context.Background(), archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrIO)
	assert.Empty(t, dirEntryNames(t, dest), "rollback must leave destination empty")
}

func TestRunCancelledContext(t *testing.T) {
	archivePath := makeTar(t, []tarEntry{
		{name: "a.txt", typeflag: tar.TypeReg, body: "data"},
	})
	dest := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, archivePath, dest, Options{})
	require.ErrorIs(t, err, errdefs.ErrIO)
	assert.Empty(t, dirEntryNames(t, dest))
}
