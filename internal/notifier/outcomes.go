package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/download_tracker/internal/logctx"
	"github.com/italolelis/download_tracker/internal/transfer"
)

// CompletedMessage renders a completed download for chat.
func CompletedMessage(s transfer.Snapshot) string {
	size := s.Display.Size
	if size == "" {
		size = s.Display.Downloaded
	}

	return fmt.Sprintf("✅ Download finished: %s (%s) → %s", s.FileName, size, s.Destination.String())
}

// FailedMessage renders a failed download for chat.
func FailedMessage(s transfer.Snapshot) string {
	return fmt.Sprintf("❌ Download failed: %s [%s] %s", s.FileName, s.FailureKind, s.Failure)
}

// Forward sends a message for every outcome until both channels are closed.
// A nil notifier only logs the outcomes.
func Forward(ctx context.Context, n Notifier, completed, failed <-chan transfer.Snapshot) {
	logger := logctx.LoggerFromContext(ctx)

	send := func(id, content string) {
		if n == nil {
			return
		}

		if err := n.Notify(ctx, content); err != nil {
			logger.ErrorContext(logctx.WithTaskID(ctx, id), "failed to send notification", "err", err)
		}
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for s := range completed {
			logger.InfoContext(logctx.WithTaskID(ctx, s.ID), "download finished", "file_name", s.FileName)
			send(s.ID, CompletedMessage(s))
		}
	}()

	go func() {
		defer wg.Done()

		for s := range failed {
			logger.WarnContext(logctx.WithTaskID(ctx, s.ID), "download failed", "file_name", s.FileName, "kind", s.FailureKind)
			send(s.ID, FailedMessage(s))
		}
	}()

	wg.Wait()
}
