// Package restore extracts an archive into a destination directory.
// Every entry's final path is resolved against the destination root
// and rejected when it escapes it, which defends against archives
// carrying absolute paths, ".." traversal or links pointing outside
// the tree. Strict mode is all-or-nothing: nothing is written until
// the whole entry list has been screened, and anything written is
// rolled back if extraction fails midway.
package restore

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"bkup/internal/archive"
	"bkup/internal/errdefs"
)

// Options control restore behavior. Overwrite replaces pre-existing
// files instead of failing; BestEffort skips rejected entries and
// keeps going instead of aborting.
type Options struct {
	Overwrite  bool
	BestEffort bool
}

// Result reports what a restore wrote.
type Result struct {
	EntriesWritten int
	BytesWritten   int64
	Skipped        []string
}

// Run extracts archivePath into destination.
func Run(ctx context.Context, archivePath, destination string, opts Options) (*Result, error) {
	absDest, err := filepath.Abs(destination)
	if err != nil {
		return nil, errdefs.IOf("resolve destination: %v", err)
	}

	// First pass: screen every entry before a single byte is written.
	skip, err := screenEntries(archivePath, absDest, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{Skipped: skip.names()}
	tracker := &rollbackTracker{}

	if err := mkdirAllTracked(absDest, tracker); err != nil {
		return nil, errdefs.IOf("create destination %s: %v", absDest, err)
	}

	if err := extract(ctx, archivePath, absDest, opts, skip, result, tracker); err != nil {
		if !opts.BestEffort {
			tracker.rollback()
			return nil, err
		}
		return nil, err
	}
	return result, nil
}

// skipSet records entries rejected during screening, with reasons.
type skipSet map[string]string

func (s skipSet) names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// screenEntries reads the whole entry list and classifies each entry.
// In strict mode the first unsafe entry aborts with ErrSecurity and
// the first overwrite conflict with ErrIO, before anything is
// extracted; in best-effort mode both are collected as skips.
func screenEntries(archivePath, absDest string, opts Options) (skipSet, error) {
	r, err := archive.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", errdefs.ErrIO, err)
	}
	defer r.Close()

	skip := make(skipSet)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt archive: %v", errdefs.ErrIntegrity, err)
		}

		target, reason := resolveEntry(absDest, hdr)
		if reason != "" {
			if !opts.BestEffort {
				return nil, fmt.Errorf("%w: entry %q: %s", errdefs.ErrSecurity, hdr.Name, reason)
			}
			skip[hdr.Name] = reason
			slog.Warn("Skipping unsafe archive entry", "entry", hdr.Name, "reason", reason)
			continue
		}

		if hdr.Typeflag == tar.TypeDir || opts.Overwrite {
			continue
		}
		if _, err := os.Lstat(target); err == nil {
			if !opts.BestEffort {
				return nil, errdefs.IOf("destination file already exists: %s", target)
			}
			skip[hdr.Name] = "destination file already exists"
			slog.Warn("Skipping entry, destination exists", "entry", hdr.Name)
		}
	}
	return skip, nil
}

// resolveEntry returns the entry's final filesystem path under the
// destination root, or a rejection reason.
func resolveEntry(absDest string, hdr *tar.Header) (string, string) {
	name := hdr.Name
	if name == "" {
		return "", "empty entry name"
	}
	if path.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", "absolute path"
	}

	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "path escapes destination root"
	}

	target := filepath.Join(absDest, filepath.FromSlash(clean))
	rel, err := filepath.Rel(absDest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", "path escapes destination root"
	}

	switch hdr.Typeflag {
	case tar.TypeDir, tar.TypeReg:
	case tar.TypeSymlink:
		if reason := checkLinkTarget(clean, hdr.Linkname, false); reason != "" {
			return "", reason
		}
	case tar.TypeLink:
		if reason := checkLinkTarget(clean, hdr.Linkname, true); reason != "" {
			return "", reason
		}
	default:
		return "", fmt.Sprintf("unsupported entry type %q", hdr.Typeflag)
	}

	return target, ""
}

// checkLinkTarget rejects link destinations that leave the
// destination root. Symlink targets resolve relative to the entry's
// own directory; hardlink targets resolve relative to the root.
func checkLinkTarget(entryName, linkname string, fromRoot bool) string {
	if linkname == "" {
		return "empty link target"
	}
	if path.IsAbs(linkname) || filepath.IsAbs(filepath.FromSlash(linkname)) {
		return "absolute link target"
	}

	var resolved string
	if fromRoot {
		resolved = path.Clean(linkname)
	} else {
		resolved = path.Join(path.Dir(entryName), linkname)
	}
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return "link target escapes destination root"
	}
	return ""
}

// rollbackTracker remembers what a strict restore created so a
// mid-flight failure can put the destination back as it was.
type rollbackTracker struct {
	created []string
}

func (rt *rollbackTracker) add(path string) {
	rt.created = append(rt.created, path)
}

func (rt *rollbackTracker) rollback() {
	// Reverse order: files before the directories containing them.
	for i := len(rt.created) - 1; i >= 0; i-- {
		if err := os.Remove(rt.created[i]); err != nil && !os.IsNotExist(err) {
			slog.Warn("Rollback could not remove path", "path", rt.created[i], "error", err)
		}
	}
}

// mkdirAllTracked creates dir and parents, recording every directory
// that did not previously exist.
func mkdirAllTracked(dir string, tracker *rollbackTracker) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Parents first so rollback removes children first.
	for i := len(missing) - 1; i >= 0; i-- {
		tracker.add(missing[i])
	}
	return nil
}

// within reports whether p is the root or a descendant of it. Both
// paths must already be symlink-resolved.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// checkResolvedParent re-verifies an entry's parent directory through
// the kernel. The lexical screen cannot see symlink chains whose
// links are individually in-root but compose to a path outside it;
// EvalSymlinks resolves the chain the same way the write will.
func checkResolvedParent(resolvedRoot, entryName, target string) error {
	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return errdefs.IOf("resolve parent of %s: %v", target, err)
	}
	if !within(resolvedRoot, parent) {
		return fmt.Errorf("%w: entry %q: resolved path escapes destination root",
			errdefs.ErrSecurity, entryName)
	}
	return nil
}

func extract(ctx context.Context, archivePath, absDest string, opts Options, skip skipSet, result *Result, tracker *rollbackTracker) error {
	resolvedRoot, err := filepath.EvalSymlinks(absDest)
	if err != nil {
		return errdefs.IOf("resolve destination %s: %v", absDest, err)
	}

	r, err := archive.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", errdefs.ErrIO, err)
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: corrupt archive: %v", errdefs.ErrIntegrity, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: restore cancelled: %v", errdefs.ErrIO, ctx.Err())
		}
		if _, skipped := skip[hdr.Name]; skipped {
			continue
		}

		target, reason := resolveEntry(absDest, hdr)
		if reason != "" {
			// Screening already settled policy; reaching this means
			// the archive changed between passes.
			return fmt.Errorf("%w: entry %q: %s", errdefs.ErrSecurity, hdr.Name, reason)
		}

		if err := mkdirAllTracked(filepath.Dir(target), tracker); err != nil {
			return errdefs.IOf("create parent directory for %s: %v", target, err)
		}
		if err := checkResolvedParent(resolvedRoot, hdr.Name, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdirAllTracked(target, tracker); err != nil {
				return errdefs.IOf("create directory %s: %v", target, err)
			}
			result.EntriesWritten++

		case tar.TypeReg:
			n, err := writeFile(target, r, hdr, opts.Overwrite, tracker)
			if err != nil {
				return err
			}
			result.EntriesWritten++
			result.BytesWritten += n

		case tar.TypeSymlink:
			if opts.Overwrite {
				os.Remove(target)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errdefs.IOf("create symlink %s: %v", target, err)
			}
			tracker.add(target)
			result.EntriesWritten++

		case tar.TypeLink:
			source := filepath.Join(absDest, filepath.FromSlash(path.Clean(hdr.Linkname)))
			resolvedSource, err := filepath.EvalSymlinks(source)
			if err != nil {
				return errdefs.IOf("hardlink source %s: %v", source, err)
			}
			if !within(resolvedRoot, resolvedSource) {
				return fmt.Errorf("%w: entry %q: hardlink source escapes destination root",
					errdefs.ErrSecurity, hdr.Name)
			}
			if opts.Overwrite {
				os.Remove(target)
			}
			if err := os.Link(resolvedSource, target); err != nil {
				return errdefs.IOf("create hardlink %s: %v", target, err)
			}
			tracker.add(target)
			result.EntriesWritten++
		}
	}
}

// writeFile streams the entry into a temp file beside the target and
// renames it into place. A failure mid-copy leaves only the tracked
// temp file, never a truncated target, and an existing symlink at the
// target is replaced by the rename instead of being written through.
func writeFile(target string, r io.Reader, hdr *tar.Header, overwrite bool, tracker *rollbackTracker) (int64, error) {
	if !overwrite {
		if _, err := os.Lstat(target); err == nil {
			return 0, errdefs.IOf("destination file already exists: %s", target)
		}
	}

	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(hdr.Mode).Perm())
	if err != nil {
		return 0, errdefs.IOf("create file %s: %v", tmp, err)
	}
	tracker.add(tmp)

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("%w: write %s: %v", errdefs.ErrIO, target, err)
	}
	if err := f.Close(); err != nil {
		return n, errdefs.IOf("close %s: %v", target, err)
	}

	existed := false
	if _, err := os.Lstat(target); err == nil {
		existed = true
	}
	if err := os.Rename(tmp, target); err != nil {
		return n, errdefs.IOf("rename %s into place: %v", target, err)
	}
	if !existed {
		tracker.add(target)
	}
	return n, nil
}
