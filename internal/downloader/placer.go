package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/italolelis/download_tracker/internal/logctx"
	"github.com/italolelis/download_tracker/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Placer moves a finished temporary file to its final destination.
type Placer interface {
	Place(ctx context.Context, source, target string) error
}

// PlacerFunc adapts a function to the Placer interface.
type PlacerFunc func(ctx context.Context, source, target string) error

func (f PlacerFunc) Place(ctx context.Context, source, target string) error {
	return f(ctx, source, target)
}

// FilePlacer places files on the local filesystem. It renames when it can and
// falls back to copying across devices.
type FilePlacer struct{}

func (FilePlacer) Place(ctx context.Context, source, target string) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := ensureTargetDir(target); err != nil {
		logger.ErrorContext(ctx, "failed to create target directory", "dir", filepath.Dir(target), "err", err)

		return &transfer.PlacementError{Source: source, Target: target, Err: err}
	}

	if err := os.Rename(source, target); err == nil {
		logger.InfoContext(ctx, "placed file", "target", target)

		return nil
	}

	if err := copyFile(source, target); err != nil {
		return &transfer.PlacementError{Source: source, Target: target, Err: err}
	}

	if err := os.Remove(source); err != nil {
		logger.WarnContext(ctx, "failed to remove temporary file after copy", "source", source, "err", err)
	}

	logger.InfoContext(ctx, "copied file into place", "target", target)

	return nil
}

func ensureTargetDir(targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open temporary file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(target)

		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close target file: %w", err)
	}

	return nil
}
