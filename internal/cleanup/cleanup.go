package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_tracker/internal/logctx"
)

// DeleteOrphanedPartials removes partial files in dir whose task is no longer
// tracked and which have not been touched for longer than keepDuration. It
// returns how many files were removed.
func DeleteOrphanedPartials(ctx context.Context, dir, suffix string, owns func(id string) bool, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read partial directory: %w", err)
	}

	var removed int

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), suffix)
		if owns(id) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			return removed, fmt.Errorf("failed to stat partial file: %w", err)
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete orphaned partial", "file", filePath, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted orphaned partial", "file", filePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	return removed, nil
}
