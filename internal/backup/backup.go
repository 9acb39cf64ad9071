// Package backup orchestrates the create operation: lock, pre-hook,
// archive, checksum sidecar, metadata record, post-hook. Artifacts are
// produced in that order so a crash mid-run never leaves a record
// pointing at a partial or missing archive.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"bkup/internal/archive"
	"bkup/internal/checksum"
	"bkup/internal/config"
	"bkup/internal/errdefs"
	"bkup/internal/hook"
	"bkup/internal/lock"
	"bkup/internal/logging"
	"bkup/internal/metadata"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one execution attempt of a backup config. Created at run
// start, finalized at run end, never mutated afterward.
type Job struct {
	ID          string
	ConfigName  string
	Status      Status
	StartedAt   time.Time
	FinishedAt  time.Time
	ArchivePath string
	SizeBytes   int64
	FilesCount  int
	Error       string
	Warnings    []string
}

// Duration reports how long the job ran.
func (j *Job) Duration() time.Duration {
	return j.FinishedAt.Sub(j.StartedAt)
}

// LockPath returns the advisory lock file guarding a configuration's
// destination directory.
func LockPath(destination, configName string) string {
	return filepath.Join(destination, fmt.Sprintf(".bkup_%s.lock", configName))
}

// LogDir returns where runs against a destination write their logs.
func LogDir(destination string) string {
	return filepath.Join(destination, ".logs")
}

// ArchiveName builds the unique archive filename for one run:
// config name, host identifier, timestamp at second resolution.
func ArchiveName(cfg *config.BackupConfig, host string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s",
		cfg.Name, host, at.Format("20060102-150405"), archive.Extension(cfg.Compress))
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// Run executes one backup of cfg. The returned Job always describes
// the attempt, including failures; the error carries the errdefs
// class the caller can branch on. A failed run leaves no new archive,
// sidecar or record behind.
func Run(ctx context.Context, cfg config.BackupConfig) (*Job, error) {
	job := &Job{
		ID:         uuid.NewString(),
		ConfigName: cfg.Name,
		Status:     StatusPending,
		StartedAt:  time.Now(),
	}

	info, err := os.Stat(cfg.Source)
	if err != nil {
		return fail(job, errdefs.Configf("source path %s: %v", cfg.Source, err))
	}
	if !info.IsDir() {
		return fail(job, errdefs.Configf("source path %s is not a directory", cfg.Source))
	}
	if err := os.MkdirAll(cfg.Destination, 0o755); err != nil {
		return fail(job, errdefs.IOf("create destination %s: %v", cfg.Destination, err))
	}

	logger, logFile, err := logging.Setup(LogDir(cfg.Destination))
	if err != nil {
		return fail(job, errdefs.IOf("setup logging: %v", err))
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	slog.Info("Backup started", "config", cfg.Name, "source", cfg.Source, "job", job.ID)

	releaseLock, err := lock.Acquire(LockPath(cfg.Destination, cfg.Name), cfg.Name)
	if err != nil {
		return fail(job, fmt.Errorf("%w: %v", errdefs.ErrIO, err))
	}
	defer func() {
		if err := releaseLock(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	job.Status = StatusRunning

	if cfg.PreHook != nil {
		slog.Info("Running pre-hook", "command", cfg.PreHook.Command)
		if err := hook.Run(ctx, cfg.PreHook); err != nil {
			return fail(job, fmt.Errorf("pre-hook: %w", err))
		}
	}

	host := hostname()
	finalPath := filepath.Join(cfg.Destination, ArchiveName(&cfg, host, job.StartedAt))
	if _, err := os.Stat(finalPath); err == nil {
		return fail(job, errdefs.Configf("archive name collision: %s", finalPath))
	}
	job.ArchivePath = finalPath

	digest, files, err := writeArchive(ctx, finalPath, &cfg)
	if err != nil {
		return fail(job, err)
	}
	job.FilesCount = files

	stat, err := os.Stat(finalPath)
	if err != nil {
		discardArtifacts(finalPath)
		return fail(job, errdefs.IOf("stat archive: %v", err))
	}
	job.SizeBytes = stat.Size()
	slog.Info("Archive written", "path", finalPath, "files", files, "bytes", job.SizeBytes)

	if err := checksum.WriteSidecar(finalPath, digest); err != nil {
		discardArtifacts(finalPath)
		return fail(job, fmt.Errorf("%w: %v", errdefs.ErrIO, err))
	}
	slog.Info("Checksum written", "digest", digest)

	record := metadata.Record{
		ID:              job.ID,
		CreatedAt:       job.StartedAt,
		ConfigName:      cfg.Name,
		ArchiveFilename: filepath.Base(finalPath),
		SizeBytes:       job.SizeBytes,
		Checksum:        digest,
		Hostname:        host,
		SourcePath:      cfg.Source,
		FilesCount:      files,
		Compressed:      cfg.Compress,
	}
	store := metadata.NewStore(cfg.Destination)
	if err := store.Append(record); err != nil {
		discardArtifacts(finalPath)
		return fail(job, errdefs.IOf("write metadata record: %v", err))
	}

	if cfg.PostHook != nil {
		slog.Info("Running post-hook", "command", cfg.PostHook.Command)
		if err := hook.Run(ctx, cfg.PostHook); err != nil {
			// The backup is complete; a post-hook failure is reported
			// but does not invalidate it.
			slog.Warn("Post-hook failed", "error", err)
			job.Warnings = append(job.Warnings, err.Error())
		}
	}

	job.Status = StatusSucceeded
	job.FinishedAt = time.Now()
	slog.Info("Backup completed", "job", job.ID, "duration", job.Duration().Round(time.Millisecond))
	return job, nil
}

// writeArchive streams the source tree into <finalPath>.tmp, hashing
// the archive bytes as they are written, then renames the temp file
// into place. On any failure the temp file is removed so the
// destination never accumulates partial archives.
func writeArchive(ctx context.Context, finalPath string, cfg *config.BackupConfig) (string, int, error) {
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, errdefs.IOf("create archive: %v", err)
	}

	hasher := checksum.NewHasher()
	files, err := archive.Write(ctx, io.MultiWriter(f, hasher), cfg.Source, cfg.Exclude, cfg.Compress)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("%w: write archive: %v", errdefs.ErrIO, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, errdefs.IOf("sync archive: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, errdefs.IOf("close archive: %v", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, errdefs.IOf("rename archive into place: %v", err)
	}
	return checksum.Format(hasher), files, nil
}

// discardArtifacts removes a completed-then-orphaned archive and its
// sidecar after a later step failed.
func discardArtifacts(archivePath string) {
	os.Remove(checksum.SidecarPath(archivePath))
	os.Remove(archivePath)
}

func fail(job *Job, err error) (*Job, error) {
	job.Status = StatusFailed
	job.Error = err.Error()
	job.FinishedAt = time.Now()
	return job, err
}
