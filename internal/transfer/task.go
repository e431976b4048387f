package transfer

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
)

// SizeUnknown marks a total size the transfer mechanism has not reported.
const SizeUnknown int64 = -1

// Status is the lifecycle state of a download task.
type Status int

const (
	StatusUnknown Status = iota
	StatusGettingInfo
	StatusDownloading
	StatusPaused
	StatusFailed
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusUnknown:     "unknown",
	StatusGettingInfo: "getting_info",
	StatusDownloading: "downloading",
	StatusPaused:      "paused",
	StatusFailed:      "failed",
	StatusCompleted:   "completed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return statusNames[StatusUnknown]
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// ParseStatus converts a status name back into a Status.
func ParseStatus(name string) (Status, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}

	return StatusUnknown, fmt.Errorf("unknown task status %q", name)
}

// TaskID derives the stable identity of a download from its source and file
// name.
func TaskID(sourceURL, fileName string) string {
	hash := sha1.Sum([]byte(sourceURL + "\x00" + fileName))

	return hex.EncodeToString(hash[:])
}

// Task is one download tracked from enqueue to completion. Its methods are not
// safe for concurrent use; the coordinator serializes access per task.
type Task struct {
	ID        string
	FileName  string
	SourceURL string
	CreatedAt time.Time
	UpdatedAt time.Time

	destination location.Destination
	status      Status
	received    int64
	total       int64

	sampleAt    time.Time
	sampleBytes int64
	speed       float64
	speedKnown  bool

	failure     error
	failureKind string
}

// NewTask creates a task in GettingInfo.
func NewTask(now time.Time, sourceURL, fileName string, destination location.Destination) *Task {
	return &Task{
		ID:          TaskID(sourceURL, fileName),
		FileName:    fileName,
		SourceURL:   sourceURL,
		CreatedAt:   now,
		UpdatedAt:   now,
		destination: destination,
		status:      StatusGettingInfo,
		total:       SizeUnknown,
		sampleAt:    now,
	}
}

func (t *Task) Status() Status {
	return t.status
}

func (t *Task) Destination() location.Destination {
	return t.destination
}

func (t *Task) ReceivedBytes() int64 {
	return t.received
}

// TotalBytes returns the expected size or SizeUnknown.
func (t *Task) TotalBytes() int64 {
	return t.total
}

// Failure returns why the task failed, nil unless it is Failed.
func (t *Task) Failure() error {
	return t.failure
}

func (t *Task) FailureKind() string {
	return t.failureKind
}

// HeadersReceived records that the transfer mechanism reached the source. A
// negative total leaves the size unknown.
func (t *Task) HeadersReceived(now time.Time, total int64) error {
	switch t.status {
	case StatusGettingInfo:
		t.status = StatusDownloading
		t.resetSample(now)
	case StatusDownloading, StatusPaused:
	default:
		return t.reject("receive headers for")
	}

	if total >= 0 {
		t.total = total
	}

	t.UpdatedAt = now

	return nil
}

// Progress applies a byte counter sample. A first sample while GettingInfo
// implies the headers arrived. While Paused only the counter moves.
func (t *Task) Progress(now time.Time, received, total int64) error {
	switch t.status {
	case StatusGettingInfo:
		if err := t.HeadersReceived(now, total); err != nil {
			return err
		}
	case StatusDownloading, StatusPaused:
		if total >= 0 {
			t.total = total
		}
	default:
		return t.reject("record progress for")
	}

	t.UpdatedAt = now

	if received < t.received {
		// The transport started over; old samples are meaningless.
		t.received = received
		t.resetSample(now)

		return nil
	}

	t.received = received

	if t.status != StatusDownloading {
		return nil
	}

	elapsed := now.Sub(t.sampleAt)
	if elapsed <= 0 {
		t.speedKnown = false

		return nil
	}

	t.speed = float64(received-t.sampleBytes) / elapsed.Seconds()
	t.speedKnown = true
	t.sampleAt = now
	t.sampleBytes = received

	return nil
}

// Pause moves a downloading task to Paused.
func (t *Task) Pause(now time.Time) error {
	if t.status != StatusDownloading {
		return t.reject("pause")
	}

	t.status = StatusPaused
	t.speedKnown = false
	t.UpdatedAt = now

	return nil
}

// Resume moves a paused task back to Downloading. Speed is measured afresh.
func (t *Task) Resume(now time.Time) error {
	if t.status != StatusPaused {
		return t.reject("resume")
	}

	t.status = StatusDownloading
	t.resetSample(now)
	t.UpdatedAt = now

	return nil
}

// Fail records a transfer error. Only tasks that are actively transferring
// can fail; a paused task has no transfer to fail.
func (t *Task) Fail(now time.Time, cause error) error {
	switch t.status {
	case StatusGettingInfo, StatusDownloading:
	default:
		return t.reject("fail")
	}

	var transferErr *TransferError
	if !errors.As(cause, &transferErr) {
		cause = &TransferError{Cause: cause}
	}

	t.markFailed(now, cause)

	return nil
}

// CanComplete reports whether a success callback would be accepted now.
func (t *Task) CanComplete() error {
	switch t.status {
	case StatusGettingInfo, StatusDownloading, StatusPaused:
		return nil
	}

	return t.reject("complete")
}

// Complete finishes the task. A non-nil placementErr means the bytes arrived
// but could not be placed, which fails the task instead.
func (t *Task) Complete(now time.Time, placementErr error) error {
	if err := t.CanComplete(); err != nil {
		return err
	}

	if placementErr != nil {
		var pe *PlacementError
		if !errors.As(placementErr, &pe) {
			placementErr = &PlacementError{Err: placementErr}
		}

		t.markFailed(now, placementErr)

		return nil
	}

	t.status = StatusCompleted
	t.speedKnown = false
	t.UpdatedAt = now

	if t.total < t.received {
		t.total = t.received
	}

	return nil
}

// Relocate replaces the destination of a task that has not finished.
func (t *Task) Relocate(now time.Time, destination location.Destination) error {
	if t.status.Terminal() {
		return t.reject("relocate")
	}

	t.destination = destination
	t.UpdatedAt = now

	return nil
}

// ProgressFraction returns received/total, or false when the total is unknown.
func (t *Task) ProgressFraction() (float64, bool) {
	if t.status == StatusCompleted {
		return 1, true
	}

	switch {
	case t.total < 0:
		return 0, false
	case t.total == 0:
		return 1, true
	}

	return float64(t.received) / float64(t.total), true
}

// Speed returns bytes per second between the last two samples, or false when
// there is no usable measurement.
func (t *Task) Speed() (float64, bool) {
	if t.status != StatusDownloading || !t.speedKnown {
		return 0, false
	}

	return t.speed, true
}

// Remaining estimates the time left, or false when total or speed do not
// allow an estimate. A zero speed gives no estimate rather than infinity.
func (t *Task) Remaining() (time.Duration, bool) {
	speed, ok := t.Speed()
	if !ok || speed <= 0 || t.total < 0 {
		return 0, false
	}

	left := t.total - t.received
	if left <= 0 {
		return 0, true
	}

	return time.Duration(float64(left) / speed * float64(time.Second)), true
}

func (t *Task) markFailed(now time.Time, cause error) {
	t.status = StatusFailed
	t.failure = cause
	t.failureKind = FailureKind(cause)
	t.speedKnown = false
	t.UpdatedAt = now
}

func (t *Task) resetSample(now time.Time) {
	t.sampleAt = now
	t.sampleBytes = t.received
	t.speedKnown = false
}

func (t *Task) reject(action string) error {
	if t.status.Terminal() {
		return fmt.Errorf("%w: %w", ErrTerminal, &InvalidStateError{TaskID: t.ID, Action: action, Status: t.status})
	}

	return &InvalidStateError{TaskID: t.ID, Action: action, Status: t.status}
}
