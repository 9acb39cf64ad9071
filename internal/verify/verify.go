// Package verify performs read-only validation of one archive:
// checksum against the sidecar and structural integrity of the tar
// stream. It never touches the metadata store, so a backup stays
// verifiable even after its record is lost.
package verify

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bkup/internal/archive"
	"bkup/internal/checksum"
)

// Result is produced fresh on every verification call and never
// persisted.
type Result struct {
	ArchivePath string    `json:"archive_path"`
	IsValid     bool      `json:"is_valid"`
	ChecksumOK  bool      `json:"checksum_ok"`
	Extractable bool      `json:"extractable"`
	SizeBytes   int64     `json:"size_bytes"`
	VerifiedAt  time.Time `json:"verified_at"`
	Errors      []string  `json:"errors,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Run validates the archive at archivePath. expectedDigest overrides
// the sidecar; pass "" to read the sidecar. A checksum mismatch is a
// normal negative result, not an error.
func Run(archivePath, expectedDigest string) *Result {
	result := &Result{
		ArchivePath: archivePath,
		VerifiedAt:  time.Now(),
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("archive not readable: %v", err))
		return result
	}
	result.SizeBytes = info.Size()

	result.ChecksumOK = checkDigest(archivePath, expectedDigest, result)
	result.Extractable = checkStructure(archivePath, result)
	result.IsValid = result.ChecksumOK && result.Extractable
	return result
}

func checkDigest(archivePath, expected string, result *Result) bool {
	if expected == "" {
		var err error
		expected, _, err = checksum.ReadSidecar(checksum.SidecarPath(archivePath))
		if err != nil {
			if os.IsNotExist(err) {
				result.Errors = append(result.Errors,
					"no sidecar checksum file and no digest supplied by caller")
			} else {
				result.Errors = append(result.Errors, fmt.Sprintf("read sidecar: %v", err))
			}
			return false
		}
	}

	actual, err := checksum.File(archivePath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("compute checksum: %v", err))
		return false
	}
	if actual != expected {
		result.Errors = append(result.Errors,
			fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual))
		return false
	}
	return true
}

// checkStructure opens the archive and drains every entry without
// writing anything to disk. Truncated streams and bad headers surface
// here.
func checkStructure(archivePath string, result *Result) bool {
	r, err := archive.Open(archivePath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("open archive: %v", err))
		return false
	}
	defer r.Close()

	entries := 0
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read entry header: %v", err))
			return false
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("read entry %s: %v", hdr.Name, err))
			return false
		}
		entries++
	}

	// A zero-entry archive is structurally sound, just suspicious;
	// worth a warning but not an extractability failure.
	if entries == 0 {
		result.Warnings = append(result.Warnings, "archive contains no entries")
	}
	return true
}

// All verifies every archive found directly under dir, sorted by
// filename. Sidecars and metadata are left exactly as found.
func All(dir string) ([]*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".tar") && !strings.HasSuffix(name, ".tar.zst") {
			continue
		}
		results = append(results, Run(filepath.Join(dir, name), ""))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].ArchivePath < results[j].ArchivePath
	})
	return results, nil
}
