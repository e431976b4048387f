package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports the cumulative byte count via a
// callback, at most once per byte interval or time interval, whichever comes
// first.
type Reader struct {
	reader       io.Reader
	total        int64
	onProgress   func(read int64, total int64)
	byteInterval int64
	timeInterval time.Duration
	now          func() time.Time

	read       int64
	sinceBytes int64
	lastReport time.Time
}

// NewReader wraps r. A zero byteInterval or timeInterval disables that
// trigger; with both disabled every read is reported.
func NewReader(r io.Reader, total int64, byteInterval int64, timeInterval time.Duration, cb func(read int64, total int64)) *Reader {
	return &Reader{
		reader:       r,
		total:        total,
		onProgress:   cb,
		byteInterval: byteInterval,
		timeInterval: timeInterval,
		now:          time.Now,
		lastReport:   time.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceBytes += int64(n)

		if pr.due() {
			pr.report()
		}
	}

	return n, err
}

// BytesRead returns the bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

// Flush reports the current count if anything was read since the last report.
func (pr *Reader) Flush() {
	if pr.sinceBytes > 0 {
		pr.report()
	}
}

func (pr *Reader) due() bool {
	if pr.byteInterval <= 0 && pr.timeInterval <= 0 {
		return true
	}

	if pr.byteInterval > 0 && pr.sinceBytes >= pr.byteInterval {
		return true
	}

	return pr.timeInterval > 0 && pr.now().Sub(pr.lastReport) >= pr.timeInterval
}

func (pr *Reader) report() {
	pr.sinceBytes = 0
	pr.lastReport = pr.now()

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
