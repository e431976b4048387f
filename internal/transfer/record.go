package transfer

import (
	"errors"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
)

// Record is the persisted form of a Task. Derived metrics are not stored.
type Record struct {
	ID            string
	FileName      string
	SourceURL     string
	Status        Status
	Destination   location.Destination
	ReceivedBytes int64
	TotalBytes    int64
	FailureKind   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Record captures the persisted fields of t.
func (t *Task) Record() Record {
	rec := Record{
		ID:            t.ID,
		FileName:      t.FileName,
		SourceURL:     t.SourceURL,
		Status:        t.status,
		Destination:   t.destination,
		ReceivedBytes: t.received,
		TotalBytes:    t.total,
		FailureKind:   t.failureKind,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}

	if t.failure != nil {
		rec.FailureReason = t.failure.Error()
	}

	return rec
}

// FromRecord rebuilds a task from storage. Tasks that were transferring when
// the record was written come back Paused, since the process that owned the
// transfer is gone.
func FromRecord(rec Record) *Task {
	t := &Task{
		ID:          rec.ID,
		FileName:    rec.FileName,
		SourceURL:   rec.SourceURL,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		destination: rec.Destination,
		status:      rec.Status,
		received:    rec.ReceivedBytes,
		total:       rec.TotalBytes,
		sampleAt:    rec.UpdatedAt,
		sampleBytes: rec.ReceivedBytes,
		failureKind: rec.FailureKind,
	}

	if t.ID == "" {
		t.ID = TaskID(rec.SourceURL, rec.FileName)
	}

	switch rec.Status {
	case StatusGettingInfo, StatusDownloading:
		t.status = StatusPaused
	case StatusFailed:
		if rec.FailureReason != "" {
			t.failure = errors.New(rec.FailureReason)
		} else {
			t.failure = &TransferError{}
		}
	case StatusUnknown:
		t.status = StatusPaused
	}

	return t
}

// FailUnrecognized marks a restored task whose destination could not be
// mapped to the current environment. It applies regardless of status so that
// the record stays visible until the user removes it.
func (t *Task) FailUnrecognized(now time.Time, cause error) {
	t.markFailed(now, UnrecognizedDestinationError(cause))
}
