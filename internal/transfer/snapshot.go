package transfer

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_tracker/internal/location"
)

// Snapshot is a read-only view of a task with its derived metrics. Metrics
// that cannot be computed are nil, so "0% done" and "unknown" stay distinct.
type Snapshot struct {
	ID            string               `json:"id"`
	FileName      string               `json:"file_name"`
	SourceURL     string               `json:"source_url"`
	Status        Status               `json:"status"`
	Destination   location.Destination `json:"destination"`
	ReceivedBytes int64                `json:"received_bytes"`
	TotalBytes    *int64               `json:"total_bytes"`
	Progress      *float64             `json:"progress"`
	Speed         *float64             `json:"speed_bytes_per_second"`
	Remaining     *RemainingTime       `json:"remaining"`
	Display       Display              `json:"display"`
	FailureKind   string               `json:"failure_kind,omitempty"`
	Failure       string               `json:"failure,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// RemainingTime is an ETA broken into clock units for display.
type RemainingTime struct {
	Hours   int     `json:"hours"`
	Minutes int     `json:"minutes"`
	Seconds int     `json:"seconds"`
	Total   float64 `json:"total_seconds"`
}

// Display holds human readable renderings of the metrics.
type Display struct {
	Size       string `json:"size,omitempty"`
	Downloaded string `json:"downloaded"`
	Speed      string `json:"speed,omitempty"`
	Remaining  string `json:"remaining,omitempty"`
	Percent    string `json:"percent,omitempty"`
}

// Snapshot captures the current state of t.
func (t *Task) Snapshot() Snapshot {
	s := Snapshot{
		ID:            t.ID,
		FileName:      t.FileName,
		SourceURL:     t.SourceURL,
		Status:        t.status,
		Destination:   t.destination,
		ReceivedBytes: t.received,
		FailureKind:   t.failureKind,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		Display: Display{
			Downloaded: humanize.Bytes(uint64(max(t.received, 0))),
		},
	}

	if t.failure != nil {
		s.Failure = t.failure.Error()
	}

	if t.total >= 0 {
		total := t.total
		s.TotalBytes = &total
		s.Display.Size = humanize.Bytes(uint64(total))
	}

	if fraction, ok := t.ProgressFraction(); ok {
		s.Progress = &fraction
		s.Display.Percent = humanize.FtoaWithDigits(fraction*100, 2) + "%"
	}

	if speed, ok := t.Speed(); ok {
		s.Speed = &speed
		s.Display.Speed = humanize.Bytes(uint64(speed)) + "/s"
	}

	if remaining, ok := t.Remaining(); ok {
		rt := NewRemainingTime(remaining)
		s.Remaining = &rt
		s.Display.Remaining = rt.String()
	}

	return s
}

// NewRemainingTime splits d into whole hours, minutes and seconds.
func NewRemainingTime(d time.Duration) RemainingTime {
	secs := int(d.Round(time.Second) / time.Second)

	return RemainingTime{
		Hours:   secs / 3600,
		Minutes: secs % 3600 / 60,
		Seconds: secs % 60,
		Total:   d.Seconds(),
	}
}

func (r RemainingTime) String() string {
	switch {
	case r.Hours > 0:
		return fmt.Sprintf("%dh %dm %ds", r.Hours, r.Minutes, r.Seconds)
	case r.Minutes > 0:
		return fmt.Sprintf("%dm %ds", r.Minutes, r.Seconds)
	}

	return fmt.Sprintf("%ds", r.Seconds)
}
