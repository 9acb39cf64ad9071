package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"bkup/internal/backup"
	"bkup/internal/check"
	"bkup/internal/config"
	"bkup/internal/errdefs"
	"bkup/internal/list"
	"bkup/internal/metadata"
	"bkup/internal/restore"
	"bkup/internal/retention"
	"bkup/internal/verify"
)

// selectConfigs resolves the --name flag against the loaded config
// file. Empty name means every config.
func selectConfigs(configPath, name string) ([]config.BackupConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return cfg.Configs, nil
	}
	bc, err := cfg.FindConfig(name)
	if err != nil {
		return nil, err
	}
	return []config.BackupConfig{*bc}, nil
}

func runCreate(ctx context.Context, configPath, name string) error {
	configs, err := selectConfigs(configPath, name)
	if err != nil {
		return err
	}

	var errs []error
	for _, bc := range configs {
		job, err := backup.Run(ctx, bc)
		if err != nil {
			fmt.Printf("backup %s: FAILED: %v\n", bc.Name, err)
			errs = append(errs, fmt.Errorf("config %s: %w", bc.Name, err))
			continue
		}
		fmt.Printf("backup %s: %s (%d files, %d bytes, %s)\n",
			bc.Name, filepath.Base(job.ArchivePath), job.FilesCount, job.SizeBytes,
			job.Duration().Round(10*time.Millisecond))
		for _, w := range job.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	return errors.Join(errs...)
}

func runList(configPath, name string, asJSON bool) error {
	configs, err := selectConfigs(configPath, name)
	if err != nil {
		return err
	}

	// Several configs may share one destination; list each store once
	// and merge, newest first.
	merged := &list.Output{}
	seen := make(map[string]bool)
	for _, bc := range configs {
		dest := filepath.Clean(bc.Destination)
		if seen[dest] {
			continue
		}
		seen[dest] = true
		out, err := list.Run(dest, name)
		if err != nil {
			return err
		}
		merged.Backups = append(merged.Backups, out.Backups...)
		merged.Summary.Count += out.Summary.Count
		merged.Summary.TotalSizeBytes += out.Summary.TotalSizeBytes
		merged.Summary.TotalFiles += out.Summary.TotalFiles
	}
	sort.SliceStable(merged.Backups, func(i, j int) bool {
		a, b := merged.Backups[i], merged.Backups[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if asJSON {
		raw, err := merged.JSON()
		if err != nil {
			return err
		}
		fmt.Println(raw)
		return nil
	}
	fmt.Print(merged.Text())
	return nil
}

func runCleanup(configPath, name string, dryRun bool) error {
	configs, err := selectConfigs(configPath, name)
	if err != nil {
		return err
	}

	var errs []error
	for _, bc := range configs {
		stats, err := retention.Cleanup(bc.Destination, bc.Name, bc.RetentionOrDefault(), dryRun)
		if err != nil {
			errs = append(errs, fmt.Errorf("config %s: %w", bc.Name, err))
			continue
		}
		if dryRun {
			fmt.Printf("config %s: would delete %d backup(s), freeing %d bytes (%d kept)\n",
				bc.Name, stats.WouldDelete, stats.BytesFreed, stats.Kept)
		} else {
			fmt.Printf("config %s: deleted %d backup(s), freed %d bytes (%d kept)\n",
				bc.Name, stats.Deleted, stats.BytesFreed, stats.Kept)
		}
		if stats.FloorDeficit > 0 {
			fmt.Printf("config %s: %d backup(s) below the configured minimum\n",
				bc.Name, stats.FloorDeficit)
		}
	}
	return errors.Join(errs...)
}

func runVerify(configPath, archivePath, expectedDigest string, asJSON bool) error {
	var results []*verify.Result
	if archivePath != "" {
		results = append(results, verify.Run(archivePath, expectedDigest))
	} else {
		// No archive given: sweep every destination in the config.
		configs, err := selectConfigs(configPath, "")
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, bc := range configs {
			dest := filepath.Clean(bc.Destination)
			if seen[dest] {
				continue
			}
			seen[dest] = true
			swept, err := verify.All(dest)
			if err != nil {
				return err
			}
			results = append(results, swept...)
		}
	}

	if asJSON {
		raw, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Println(string(raw))
	} else {
		for _, r := range results {
			status := "OK"
			if !r.IsValid {
				status = "FAILED"
			}
			fmt.Printf("%s: %s\n", r.ArchivePath, status)
			for _, msg := range r.Errors {
				fmt.Printf("  %s\n", msg)
			}
			for _, msg := range r.Warnings {
				fmt.Printf("  warning: %s\n", msg)
			}
		}
	}

	for _, r := range results {
		if !r.IsValid {
			return fmt.Errorf("%w: verification failed", errdefs.ErrIntegrity)
		}
	}
	return nil
}

func runRestore(ctx context.Context, archivePath, target string, overwrite, bestEffort bool) error {
	if archivePath == "" {
		return errdefs.Configf("archive path argument is required")
	}

	result, err := restore.Run(ctx, archivePath, target, restore.Options{
		Overwrite:  overwrite,
		BestEffort: bestEffort,
	})
	if err != nil {
		return err
	}

	fmt.Printf("restored %d entries (%d bytes) to %s\n",
		result.EntriesWritten, result.BytesWritten, target)
	for _, name := range result.Skipped {
		fmt.Printf("  skipped: %s\n", name)
	}
	return nil
}

func runRemove(configPath, id string) error {
	if id == "" {
		return errdefs.Configf("backup id argument is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Find which destination holds the record, then delete it under
	// the owning config's retention floor.
	seen := make(map[string]bool)
	for _, bc := range cfg.Configs {
		dest := filepath.Clean(bc.Destination)
		if seen[dest] {
			continue
		}
		seen[dest] = true

		rec, err := metadata.NewStore(dest).Get(id)
		if err != nil {
			return errdefs.IOf("read metadata: %v", err)
		}
		if rec == nil {
			continue
		}

		policy := config.DefaultRetentionPolicy()
		if owner, err := cfg.FindConfig(rec.ConfigName); err == nil {
			policy = owner.RetentionOrDefault()
		}
		if err := retention.Remove(dest, rec.ConfigName, id, policy); err != nil {
			return err
		}
		fmt.Printf("removed backup %s (%s)\n", id, rec.ArchiveFilename)
		return nil
	}
	return errdefs.Configf("backup not found: %s", id)
}

func runCheck(configPath string) error {
	return check.Run(configPath)
}
