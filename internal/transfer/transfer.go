package transfer

import (
	"context"
)

// Job describes one transfer handed to a Transport.
type Job struct {
	TaskID    string
	SourceURL string
	// TempPath is where the transport writes the bytes. It is resolved fresh
	// for every start, so it follows the temporary root.
	TempPath string
}

// Sink receives the events a transport reports for its jobs. Calls may come
// from any goroutine and may arrive after the task was removed.
type Sink interface {
	OnHeaders(taskID string, totalBytes int64)
	OnProgress(taskID string, receivedBytes, totalBytes int64)
	OnCompleted(taskID string)
	OnFailed(taskID string, cause error)
}

// Transport moves bytes from a source to a temporary file. Start must not
// block on network I/O and must not call the sink before it returns. Each
// started job ends with exactly one OnCompleted or OnFailed, unless it is
// suspended or stopped first.
type Transport interface {
	Start(ctx context.Context, job Job, sink Sink) error
	// Suspend halts the job and keeps whatever it needs to continue later.
	Suspend(ctx context.Context, taskID string) error
	// Stop halts the job and discards its partial data.
	Stop(ctx context.Context, taskID string) error
}
