package wal

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	FilesKept     int // past retention but still holding an unfinished transaction
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files older than the retention period
func Cleanup(dir string, config Config) error {
	_, err := CleanupWithStats(dir, config)
	return err
}

// CleanupWithStats removes old files and returns statistics. A file that
// still holds entries of an unfinished transaction is kept, since
// recovery needs it.
func CleanupWithStats(dir string, config Config) (CleanupStats, error) {
	stats := CleanupStats{}
	if config.RetentionDays <= 0 {
		return stats, nil
	}

	old := listOldWALFiles(dir, config)
	if len(old) == 0 {
		return stats, nil
	}

	pending, err := PendingWithConfig(dir, config)
	if err != nil {
		return stats, err
	}
	open := make(map[string]bool, len(pending))
	for _, tx := range pending {
		open[tx.TxID] = true
	}

	var files []string
	for _, file := range old {
		if holdsAny(file, open) {
			stats.FilesKept++
			continue
		}
		files = append(files, file)
	}
	if len(files) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(files)
	stats.BytesFreed = calculateTotalSize(files)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(files)

	return stats, removeFiles(files)
}

// listOldWALFiles finds WAL files older than retention period
func listOldWALFiles(dir string, config Config) []string {
	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)

	var oldFiles []string
	for _, file := range listFiles(dir, config.FilePrefix) {
		if isOlderThan(file, cutoff) {
			oldFiles = append(oldFiles, file)
		}
	}
	return oldFiles
}

// isOlderThan checks if file modification time is before cutoff
func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

func holdsAny(path string, txIDs map[string]bool) bool {
	if len(txIDs) == 0 {
		return false
	}
	reader, err := NewReader(path)
	if err != nil {
		return true
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err != nil {
			if errors.Is(err, ErrCorruptEntry) {
				continue
			}
			return false
		}
		if txIDs[entry.TxID] {
			return true
		}
	}
}

// removeFiles deletes all files in the list
func removeFiles(files []string) error {
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if newest.IsZero() || modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
