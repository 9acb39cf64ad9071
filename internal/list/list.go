// Package list shapes backup records for display.
package list

import (
	"encoding/json"
	"fmt"
	"strings"

	"bkup/internal/errdefs"
	"bkup/internal/metadata"
)

// Summary aggregates the records of one listing.
type Summary struct {
	Count          int   `json:"count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	TotalFiles     int   `json:"total_files"`
}

// Output is one listing, newest backups first.
type Output struct {
	Backups []metadata.Record `json:"backups"`
	Summary Summary           `json:"summary"`
}

// Run lists backups recorded under destination. An empty configName
// lists all configs.
func Run(destination, configName string) (*Output, error) {
	store := metadata.NewStore(destination)
	records, err := store.List(configName)
	if err != nil {
		return nil, fmt.Errorf("%w: list backups: %v", errdefs.ErrIO, err)
	}

	out := &Output{Backups: records}
	for _, rec := range records {
		out.Summary.Count++
		out.Summary.TotalSizeBytes += rec.SizeBytes
		out.Summary.TotalFiles += rec.FilesCount
	}
	return out, nil
}

// JSON renders the listing as indented JSON.
func (o *Output) JSON() (string, error) {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal listing: %w", err)
	}
	return string(data), nil
}

// Text renders the listing as aligned plain-text rows.
func (o *Output) Text() string {
	if len(o.Backups) == 0 {
		return "No backups found\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-20s  %-16s  %10s  %s\n",
		"ID", "CREATED", "CONFIG", "SIZE", "ARCHIVE")
	for _, rec := range o.Backups {
		fmt.Fprintf(&b, "%-36s  %-20s  %-16s  %10s  %s\n",
			rec.ID,
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.ConfigName,
			humanSize(rec.SizeBytes),
			rec.ArchiveFilename)
	}
	fmt.Fprintf(&b, "\n%d backup(s), %s total\n",
		o.Summary.Count, humanSize(o.Summary.TotalSizeBytes))
	return b.String()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
