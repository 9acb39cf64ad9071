// Package archive builds and reads the backup container format: a tar
// stream, optionally zstd-compressed. Archives always contain the
// source directory as a single top-level entry.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Extension returns the archive filename extension for the given
// compression setting.
func Extension(compress bool) string {
	if compress {
		return ".tar.zst"
	}
	return ".tar"
}

// Write streams source as a tar archive into w, excluding any entry
// whose archive-relative path or basename matches one of the exclude
// glob patterns. Returns the number of regular files written.
//
// Write checks ctx between entries so a cancelled backup stops
// without finishing the walk; the caller owns cleanup of whatever w
// points at.
func Write(ctx context.Context, w io.Writer, source string, exclude []string, compress bool) (int, error) {
	var out io.Writer = w
	var zw *zstd.Encoder
	if compress {
		var err error
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("failed to create zstd writer: %w", err)
		}
	}
	if zw != nil {
		out = zw
	}
	tw := tar.NewWriter(out)

	source = filepath.Clean(source)
	root := filepath.Base(source)
	files := 0

	walkErr := filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)

		if rel != "." && matchesAny(exclude, relSlash) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		if rel == "." {
			hdr.Name = root
		} else {
			hdr.Name = path.Join(root, relSlash)
		}
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
			files++
		}
		return nil
	})
	if walkErr != nil {
		return 0, walkErr
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("failed to finalize zstd stream: %w", err)
		}
	}
	return files, nil
}

// matchesAny reports whether the relative path or its basename
// matches one of the glob patterns. Matching the basename too means
// "*.log" excludes log files at any depth, and a bare directory name
// prunes that directory wherever it appears.
func matchesAny(patterns []string, relSlash string) bool {
	base := path.Base(relSlash)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, relSlash); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Reader iterates the entries of an archive, transparently
// decompressing zstd archives by filename extension.
type Reader struct {
	tr   *tar.Reader
	file *os.File
	zr   *zstd.Decoder
}

// Open opens an archive for reading.
func Open(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{file: f}
	var stream io.Reader = f
	if strings.HasSuffix(filename, ".zst") {
		r.zr, err = zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		stream = r.zr
	}
	r.tr = tar.NewReader(stream)
	return r, nil
}

// Next advances to the next entry. Returns io.EOF at the end.
func (r *Reader) Next() (*tar.Header, error) {
	return r.tr.Next()
}

// Read reads from the current entry.
func (r *Reader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.file.Close()
}
