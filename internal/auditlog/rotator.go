package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/pkg/utils"
)

// ArchiveDirName is the subdirectory rotated files are moved into once they
// age out of the retention window.
const ArchiveDirName = "archive"

// LogRotator bounds individual log file size and total rotated-file count
type LogRotator struct {
	dir         string
	maxFileSize int64
	maxRotated  int
	logger      *logrus.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewLogRotator creates a rotator for the given log directory
func NewLogRotator(dir string, maxFileSize int64, maxRotated int, logger *logrus.Logger) *LogRotator {
	if maxFileSize <= 0 {
		maxFileSize = 10 * 1024 * 1024
	}
	if maxRotated <= 0 {
		maxRotated = 10
	}
	return &LogRotator{
		dir:         dir,
		maxFileSize: maxFileSize,
		maxRotated:  maxRotated,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// ShouldRotate reports whether a log file exceeds the configured max size.
// A missing file never needs rotation.
func (r *LogRotator) ShouldRotate(filename string) (bool, error) {
	info, err := os.Stat(filepath.Join(r.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", filename, err)
	}
	return info.Size() > r.maxFileSize, nil
}

// RotateFile renames the current file to a timestamp-suffixed sibling,
// creates a fresh empty file at the original path, then prunes rotated
// siblings beyond the configured count, oldest first. The rename is atomic
// with respect to the filesystem; a writer holding the old handle completes
// its in-flight append into the rotated file.
func (r *LogRotator) RotateFile(filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.dir, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", filename, err)
	}

	base := strings.TrimSuffix(filename, ".log")
	rotatedName := fmt.Sprintf("%s-%s.log", base, utils.RotationSuffix(time.Now()))
	rotatedPath := filepath.Join(r.dir, rotatedName)

	if err := os.Rename(path, rotatedPath); err != nil {
		return fmt.Errorf("failed to rotate %s: %w", filename, err)
	}

	fresh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create fresh %s: %w", filename, err)
	}
	fresh.Close()

	r.logger.WithFields(logrus.Fields{
		"file":    filename,
		"rotated": rotatedName,
	}).Info("Rotated log file")

	return r.pruneRotated(base)
}

// RotateIfNeeded checks all three log targets and rotates any over the size
// limit, returning the number of files rotated.
func (r *LogRotator) RotateIfNeeded() (int, error) {
	rotated := 0
	for _, filename := range []string{ConsentLogFile, AuditLogFile, ErrorLogFile} {
		needed, err := r.ShouldRotate(filename)
		if err != nil {
			return rotated, err
		}
		if !needed {
			continue
		}
		if err := r.RotateFile(filename); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}

type rotatedFile struct {
	name    string
	modTime time.Time
}

func (r *LogRotator) listRotated(base string) ([]rotatedFile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var files []rotatedFile
	prefix := base + "-"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, rotatedFile{name: name, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}

func (r *LogRotator) pruneRotated(base string) error {
	files, err := r.listRotated(base)
	if err != nil {
		return err
	}

	excess := len(files) - r.maxRotated
	for i := 0; i < excess; i++ {
		path := filepath.Join(r.dir, files[i].name)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to prune rotated file %s: %w", files[i].name, err)
		}
		r.logger.WithField("file", files[i].name).Info("Pruned rotated log file")
	}

	return nil
}

// ArchiveOldLogs moves rotated files older than the retention window into the
// archive subdirectory and returns the number moved.
func (r *LogRotator) ArchiveOldLogs(retentionDays int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	archiveDir := filepath.Join(r.dir, ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	moved := 0

	for _, filename := range []string{ConsentLogFile, AuditLogFile, ErrorLogFile} {
		base := strings.TrimSuffix(filename, ".log")
		files, err := r.listRotated(base)
		if err != nil {
			return moved, err
		}
		for _, f := range files {
			if !f.modTime.Before(cutoff) {
				continue
			}
			src := filepath.Join(r.dir, f.name)
			dst := filepath.Join(archiveDir, f.name)
			if err := os.Rename(src, dst); err != nil {
				return moved, fmt.Errorf("failed to archive %s: %w", f.name, err)
			}
			moved++
			r.logger.WithField("file", f.name).Info("Archived rotated log file")
		}
	}

	return moved, nil
}

// ScheduleRotation starts a recurring rotation check. Call Stop at process
// shutdown to cancel it.
func (r *LogRotator) ScheduleRotation(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.RotateIfNeeded(); err != nil {
					r.logger.WithError(err).Error("Scheduled log rotation failed")
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the rotation schedule and waits for it to exit
func (r *LogRotator) Stop() {
	r.stopped.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
