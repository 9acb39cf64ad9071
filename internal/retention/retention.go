// Package retention decides which backups of a configuration survive
// and executes the deletions. The decision is a pure function of a
// metadata snapshot and a policy: backups are classified into
// calendar buckets (day, ISO week, month, year) and the newest backup
// of each bucket is kept until the tier's quota runs out.
package retention

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"bkup/internal/backup"
	"bkup/internal/checksum"
	"bkup/internal/config"
	"bkup/internal/errdefs"
	"bkup/internal/lock"
	"bkup/internal/metadata"
)

// Decision is the keep/delete split for one snapshot, both slices
// ordered newest-first.
type Decision struct {
	Keep   []metadata.Record
	Delete []metadata.Record
}

// Stats summarizes one cleanup pass.
type Stats struct {
	Kept        int
	Deleted     int
	WouldDelete int
	BytesFreed  int64
	// FloorDeficit is how many backups the config is short of
	// MinBackups even when everything is kept.
	FloorDeficit int
}

type tier struct {
	quota  int
	bucket func(r metadata.Record) string
}

// Plan computes the keep/delete split for the given records under the
// policy. Records may arrive in any order; the snapshot is re-sorted
// newest-first with record id as descending tiebreak, so two calls on
// the same snapshot always yield the same split.
func Plan(records []metadata.Record, policy config.RetentionPolicy) Decision {
	snapshot := make([]metadata.Record, len(records))
	copy(snapshot, records)
	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.After(snapshot[j].CreatedAt)
		}
		return snapshot[i].ID > snapshot[j].ID
	})

	tiers := []tier{
		{policy.KeepDaily, func(r metadata.Record) string {
			return r.CreatedAt.Format("2006-01-02")
		}},
		{policy.KeepWeekly, func(r metadata.Record) string {
			year, week := r.CreatedAt.ISOWeek()
			return fmt.Sprintf("%04d-W%02d", year, week)
		}},
		{policy.KeepMonthly, func(r metadata.Record) string {
			return r.CreatedAt.Format("2006-01")
		}},
		{policy.KeepYearly, func(r metadata.Record) string {
			return r.CreatedAt.Format("2006")
		}},
	}

	kept := make(map[string]bool)
	for _, t := range tiers {
		markTier(snapshot, t, kept)
	}

	// MinBackups floor: top up with the newest not-yet-kept records.
	// Each physical record counts once, however many tiers it
	// satisfies.
	for _, r := range snapshot {
		if len(kept) >= policy.MinBackups {
			break
		}
		kept[r.ID] = true
	}

	var d Decision
	for _, r := range snapshot {
		if kept[r.ID] {
			d.Keep = append(d.Keep, r)
		} else {
			d.Delete = append(d.Delete, r)
		}
	}
	return d
}

// markTier keeps the newest record of each distinct bucket until the
// tier's quota is exhausted. A bucket whose newest record is already
// kept by an earlier tier is satisfied without consuming a slot.
func markTier(snapshot []metadata.Record, t tier, kept map[string]bool) {
	if t.quota <= 0 {
		return
	}
	slots := 0
	seen := make(map[string]bool)
	for _, r := range snapshot {
		key := t.bucket(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		if kept[r.ID] {
			continue
		}
		kept[r.ID] = true
		slots++
		if slots == t.quota {
			return
		}
	}
}

// Cleanup applies the policy to configName's backups under
// destination. Dry-run reports what would be deleted without touching
// storage. Execute mode holds the config's advisory lock and removes
// each deleted record's metadata, sidecar and archive as one unit;
// per-record failures are collected and the pass continues.
func Cleanup(destination, configName string, policy config.RetentionPolicy, dryRun bool) (*Stats, error) {
	store := metadata.NewStore(destination)

	// Snapshot once; backups created mid-pass stay invisible to it.
	records, err := store.List(configName)
	if err != nil {
		return nil, errdefs.IOf("list backups for %s: %v", configName, err)
	}

	d := Plan(records, policy)

	stats := &Stats{Kept: len(d.Keep)}
	if deficit := policy.MinBackups - len(records); deficit > 0 {
		stats.FloorDeficit = deficit
	}

	if dryRun {
		stats.WouldDelete = len(d.Delete)
		for _, r := range d.Delete {
			stats.BytesFreed += r.SizeBytes
		}
		return stats, nil
	}

	if len(d.Delete) == 0 {
		return stats, nil
	}

	releaseLock, err := lock.Acquire(backup.LockPath(destination, configName), configName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	defer func() {
		if err := releaseLock(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	var errs []error
	for _, r := range d.Delete {
		if err := deleteRecord(store, destination, r); err != nil {
			slog.Warn("Failed to delete backup", "id", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("delete backup %s: %w", r.ID, err))
			continue
		}
		stats.Deleted++
		stats.BytesFreed += r.SizeBytes
		slog.Info("Deleted backup", "id", r.ID, "archive", r.ArchiveFilename)
	}

	if len(errs) > 0 {
		return stats, fmt.Errorf("%w: cleanup removed %d of %d backups: %v",
			errdefs.ErrIO, stats.Deleted, len(d.Delete), errors.Join(errs...))
	}
	return stats, nil
}

// Remove deletes a single backup by id, refusing when that would take
// the config below its MinBackups floor.
func Remove(destination, configName, id string, policy config.RetentionPolicy) error {
	store := metadata.NewStore(destination)

	records, err := store.List(configName)
	if err != nil {
		return errdefs.IOf("list backups for %s: %v", configName, err)
	}

	var target *metadata.Record
	for i := range records {
		if records[i].ID == id {
			target = &records[i]
			break
		}
	}
	if target == nil {
		return errdefs.Configf("backup %s not found for config %s", id, configName)
	}

	if len(records)-1 < policy.MinBackups {
		return fmt.Errorf("%w: removing %s would leave %d backups, min_backups is %d",
			errdefs.ErrRetention, id, len(records)-1, policy.MinBackups)
	}

	return deleteRecord(store, destination, *target)
}

// deleteRecord removes the metadata record, then the sidecar, then
// the archive. The record goes first so no reader can observe a
// record whose files are already gone.
func deleteRecord(store *metadata.Store, destination string, r metadata.Record) error {
	if err := store.Delete(r.ID); err != nil {
		return err
	}
	archivePath := filepath.Join(destination, r.ArchiveFilename)
	if err := os.Remove(checksum.SidecarPath(archivePath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
