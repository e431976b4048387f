package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(seconds int) time.Time {
	return epoch.Add(time.Duration(seconds) * time.Second)
}

func newTestTask(t *testing.T) *Task {
	t.Helper()

	dest := location.MustRelative(location.RootDocuments, "a.zip")

	return NewTask(at(0), "https://example.com/a.zip", "a.zip", dest)
}

func TestNewTask(t *testing.T) {
	task := newTestTask(t)

	assert.Equal(t, StatusGettingInfo, task.Status())
	assert.Equal(t, SizeUnknown, task.TotalBytes())
	assert.Zero(t, task.ReceivedBytes())
	assert.Equal(t, TaskID("https://example.com/a.zip", "a.zip"), task.ID)
	assert.Len(t, task.ID, 40)

	_, ok := task.ProgressFraction()
	assert.False(t, ok)
	_, ok = task.Speed()
	assert.False(t, ok)
}

func TestTaskID_DependsOnSourceAndName(t *testing.T) {
	assert.Equal(t, TaskID("u", "a"), TaskID("u", "a"))
	assert.NotEqual(t, TaskID("u", "a"), TaskID("u", "b"))
	assert.NotEqual(t, TaskID("ua", ""), TaskID("u", "a"))
}

func TestPauseWhileGettingInfoIsInvalid(t *testing.T) {
	task := newTestTask(t)

	err := task.Pause(at(1))

	require.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrTerminal)

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "pause", stateErr.Action)
	assert.Equal(t, StatusGettingInfo, stateErr.Status)
	assert.Equal(t, StatusGettingInfo, task.Status())
}

func TestPauseResume(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.HeadersReceived(at(0), 1000))

	require.NoError(t, task.Pause(at(1)))
	assert.Equal(t, StatusPaused, task.Status())

	err := task.Pause(at(2))
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, task.Resume(at(3)))
	assert.Equal(t, StatusDownloading, task.Status())

	err = task.Resume(at(4))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSpeedSamples(t *testing.T) {
	task := newTestTask(t)

	require.NoError(t, task.Progress(at(0), 0, 1000))
	assert.Equal(t, StatusDownloading, task.Status())
	_, ok := task.Speed()
	assert.False(t, ok, "a single sample has no speed")

	require.NoError(t, task.Progress(at(1), 100, 1000))
	speed, ok := task.Speed()
	require.True(t, ok)
	assert.InDelta(t, 100.0, speed, 0.0001)

	remaining, ok := task.Remaining()
	require.True(t, ok)
	assert.Equal(t, 9*time.Second, remaining)

	fraction, ok := task.ProgressFraction()
	require.True(t, ok)
	assert.InDelta(t, 0.1, fraction, 0.0001)

	require.NoError(t, task.Progress(at(2), 100, 1000))
	speed, ok = task.Speed()
	require.True(t, ok)
	assert.Zero(t, speed)

	_, ok = task.Remaining()
	assert.False(t, ok, "zero speed gives no estimate")
}

func TestSpeedSameInstantIsUnknown(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.HeadersReceived(at(0), 1000))
	require.NoError(t, task.Progress(at(1), 100, 1000))
	require.NoError(t, task.Progress(at(1), 200, 1000))

	_, ok := task.Speed()
	assert.False(t, ok)
}

func TestProgressWithUnknownTotal(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.Progress(at(0), 0, SizeUnknown))
	require.NoError(t, task.Progress(at(2), 500, SizeUnknown))

	_, ok := task.ProgressFraction()
	assert.False(t, ok)

	speed, ok := task.Speed()
	require.True(t, ok)
	assert.InDelta(t, 250.0, speed, 0.0001)

	_, ok = task.Remaining()
	assert.False(t, ok)
}

func TestProgressRestartResetsBaseline(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.Progress(at(0), 0, 1000))
	require.NoError(t, task.Progress(at(1), 400, 1000))

	require.NoError(t, task.Progress(at(2), 50, 1000))
	assert.Equal(t, int64(50), task.ReceivedBytes())

	_, ok := task.Speed()
	assert.False(t, ok)

	require.NoError(t, task.Progress(at(3), 150, 1000))
	speed, ok := task.Speed()
	require.True(t, ok)
	assert.InDelta(t, 100.0, speed, 0.0001)
}

func TestProgressWhilePausedKeepsCounterOnly(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.Progress(at(0), 0, 1000))
	require.NoError(t, task.Pause(at(1)))

	require.NoError(t, task.Progress(at(2), 300, 1000))
	assert.Equal(t, StatusPaused, task.Status())
	assert.Equal(t, int64(300), task.ReceivedBytes())

	_, ok := task.Speed()
	assert.False(t, ok)
}

func TestFailIsTerminal(t *testing.T) {
	task := newTestTask(t)
	cause := errors.New("connection reset")

	require.NoError(t, task.Fail(at(1), cause))
	assert.Equal(t, StatusFailed, task.Status())
	assert.Equal(t, FailureKindTransfer, task.FailureKind())
	require.ErrorIs(t, task.Failure(), cause)

	err := task.Fail(at(2), errors.New("again"))
	require.ErrorIs(t, err, ErrTerminal)
	require.ErrorIs(t, task.Failure(), cause, "the first failure is kept")

	require.ErrorIs(t, task.Progress(at(3), 10, 10), ErrTerminal)
	require.ErrorIs(t, task.Resume(at(3)), ErrInvalidState)
	require.ErrorIs(t, task.Complete(at(3), nil), ErrTerminal)
}

func TestFailWhilePausedIsRejected(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.HeadersReceived(at(0), 10))
	require.NoError(t, task.Pause(at(1)))

	err := task.Fail(at(2), errors.New("late"))
	require.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrTerminal)
	assert.Equal(t, StatusPaused, task.Status())
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Task)
	}{
		{"from getting info", func(*Task) {}},
		{"from downloading", func(task *Task) { _ = task.Progress(at(0), 5, 10) }},
		{"from paused", func(task *Task) {
			_ = task.Progress(at(0), 5, 10)
			_ = task.Pause(at(1))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := newTestTask(t)
			tt.setup(task)

			require.NoError(t, task.CanComplete())
			require.NoError(t, task.Complete(at(5), nil))
			assert.Equal(t, StatusCompleted, task.Status())

			fraction, ok := task.ProgressFraction()
			require.True(t, ok)
			assert.InDelta(t, 1.0, fraction, 0.0001)

			require.ErrorIs(t, task.Complete(at(6), nil), ErrTerminal)
		})
	}
}

func TestCompleteWithPlacementError(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.Progress(at(0), 10, 10))

	placeErr := &PlacementError{Source: "/tmp/x.part", Target: "/docs/a.zip", Err: errors.New("disk full")}
	require.NoError(t, task.Complete(at(1), placeErr))

	assert.Equal(t, StatusFailed, task.Status())
	assert.Equal(t, FailureKindPlacement, task.FailureKind())

	var got *PlacementError
	require.ErrorAs(t, task.Failure(), &got)
	assert.Equal(t, "/docs/a.zip", got.Target)
}

func TestRelocate(t *testing.T) {
	task := newTestTask(t)
	next := location.MustRelative(location.RootCaches, "b.zip")

	require.NoError(t, task.Relocate(at(1), next))
	assert.Equal(t, next, task.Destination())

	require.NoError(t, task.Complete(at(2), nil))
	require.ErrorIs(t, task.Relocate(at(3), location.Opaque("file:///x")), ErrTerminal)
	assert.Equal(t, next, task.Destination())
}

func TestStatusText(t *testing.T) {
	for status, name := range statusNames {
		text, err := status.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))

		var parsed Status
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, status, parsed)
	}

	_, err := ParseStatus("exploded")
	require.Error(t, err)
	assert.Equal(t, "unknown", Status(42).String())
}

func TestRecordRoundTrip(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.Progress(at(0), 0, 1000))
	require.NoError(t, task.Progress(at(1), 250, 1000))

	restored := FromRecord(task.Record())

	assert.Equal(t, task.ID, restored.ID)
	assert.Equal(t, StatusPaused, restored.Status(), "transferring tasks come back paused")
	assert.Equal(t, int64(250), restored.ReceivedBytes())
	assert.Equal(t, int64(1000), restored.TotalBytes())
	assert.Equal(t, task.Destination(), restored.Destination())

	require.NoError(t, restored.Resume(at(5)))
	_, ok := restored.Speed()
	assert.False(t, ok, "speed is measured afresh after resume")
}

func TestRecordRoundTripFailed(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.Fail(at(1), errors.New("boom")))

	restored := FromRecord(task.Record())

	assert.Equal(t, StatusFailed, restored.Status())
	assert.Equal(t, FailureKindTransfer, restored.FailureKind())
	assert.Equal(t, "transfer failed: boom", restored.Failure().Error())
}

func TestFailUnrecognized(t *testing.T) {
	task := FromRecord(Record{
		SourceURL:   "https://example.com/a.zip",
		FileName:    "a.zip",
		Status:      StatusPaused,
		Destination: location.Opaque("file:///old/place/a.zip"),
		TotalBytes:  SizeUnknown,
	})

	assert.Equal(t, TaskID("https://example.com/a.zip", "a.zip"), task.ID)

	task.FailUnrecognized(at(1), errors.New("no marker"))
	assert.Equal(t, StatusFailed, task.Status())
	assert.Equal(t, FailureKindUnrecognized, task.FailureKind())
}

func TestProgressFractionWithEmptyBody(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.HeadersReceived(at(1), 0))
	require.Equal(t, StatusDownloading, task.Status())

	fraction, ok := task.ProgressFraction()
	require.True(t, ok)
	assert.InDelta(t, 1.0, fraction, 0.0001)

	snap := task.Snapshot()
	require.NotNil(t, snap.Progress)
	assert.Equal(t, "100%", snap.Display.Percent)
}
