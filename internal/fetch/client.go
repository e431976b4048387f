package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_tracker/internal/fetch/progress"
	"github.com/italolelis/download_tracker/internal/logctx"
	"github.com/italolelis/download_tracker/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	dirPerm = 0o755

	defaultProgressBytes    = 4 * 1024 * 1024 // 4MB
	defaultProgressInterval = time.Second
)

// Options configures the HTTP transport.
type Options struct {
	// HTTPClient overrides the client used for requests. Token is ignored when
	// it is set.
	HTTPClient *http.Client
	// Token is sent as a bearer token on every request.
	Token            string
	UserAgent        string
	ProgressBytes    int64
	ProgressInterval time.Duration
}

// Client streams HTTP sources into temporary files. It implements
// transfer.Transport.
type Client struct {
	httpClient       *http.Client
	userAgent        string
	progressBytes    int64
	progressInterval time.Duration

	mu       sync.Mutex
	jobs     map[string]*job
	partials map[string]string
	wg       sync.WaitGroup
}

type job struct {
	transfer.Job

	cancel  context.CancelFunc
	done    chan struct{}
	discard atomic.Bool
}

// NewClient creates an HTTP transport.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		var rt http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

		if opts.Token != "" {
			rt = &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
				Base:   rt,
			}
		}

		httpClient = &http.Client{Transport: rt}
	}

	if opts.ProgressBytes <= 0 {
		opts.ProgressBytes = defaultProgressBytes
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}

	return &Client{
		httpClient:       httpClient,
		userAgent:        opts.UserAgent,
		progressBytes:    opts.ProgressBytes,
		progressInterval: opts.ProgressInterval,
		jobs:             make(map[string]*job),
		partials:         make(map[string]string),
	}
}

// Start begins streaming j.SourceURL into j.TempPath and returns at once. If a
// previous job for the same task is still winding down, the new one waits for
// it before touching the file. The job outlives ctx; use Suspend or Stop to
// end it.
func (c *Client) Start(ctx context.Context, j transfer.Job, sink transfer.Sink) error {
	if j.TempPath == "" {
		return fmt.Errorf("no temporary path for task %s", j.TaskID)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	jobCtx = logctx.WithTaskID(jobCtx, j.TaskID)

	next := &job{Job: j, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()

	var prev <-chan struct{}
	if running, ok := c.jobs[j.TaskID]; ok {
		running.cancel()
		prev = running.done
	}

	c.jobs[j.TaskID] = next
	c.partials[j.TaskID] = j.TempPath
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(jobCtx, next, prev, sink)

	return nil
}

// Suspend cancels the running job and keeps its partial file.
func (c *Client) Suspend(_ context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if j, ok := c.jobs[taskID]; ok {
		j.cancel()
	}

	return nil
}

// Stop cancels the running job and removes its partial file. When no job is
// running the partial file from the last start is removed directly.
func (c *Client) Stop(ctx context.Context, taskID string) error {
	c.mu.Lock()
	j, running := c.jobs[taskID]
	tempPath := c.partials[taskID]
	delete(c.partials, taskID)

	if running {
		j.discard.Store(true)
		j.cancel()
	}
	c.mu.Unlock()

	if running {
		return nil
	}

	return discard(ctx, tempPath)
}

// Running reports whether a job for taskID is still active.
func (c *Client) Running(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.jobs[taskID]

	return ok
}

// Wait blocks until every started job has exited or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(ctx context.Context, j *job, prev <-chan struct{}, sink transfer.Sink) {
	defer c.wg.Done()
	defer close(j.done)
	defer c.release(j)

	logger := logctx.LoggerFromContext(ctx)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			c.finishCancelled(ctx, j)

			return
		}
	}

	err := c.download(ctx, j, sink)

	if ctx.Err() != nil {
		c.finishCancelled(ctx, j)

		return
	}

	if err != nil {
		logger.WarnContext(ctx, "transfer failed", "url", j.SourceURL, "err", err)
		sink.OnFailed(j.TaskID, err)
		c.discardIfStopped(ctx, j)

		return
	}

	sink.OnCompleted(j.TaskID)
	c.discardIfStopped(ctx, j)
}

// discardIfStopped removes the partial file when the sink called Stop while
// handling the job's final event. The job is past its cancellation check by
// then, so Stop could only flag it.
func (c *Client) discardIfStopped(ctx context.Context, j *job) {
	if j.discard.Load() {
		_ = discard(ctx, j.TempPath)
	}
}

func (c *Client) finishCancelled(ctx context.Context, j *job) {
	if j.discard.Load() {
		_ = discard(ctx, j.TempPath)

		return
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "transfer suspended", "path", j.TempPath)
}

func discard(ctx context.Context, tempPath string) error {
	if tempPath == "" {
		return nil
	}

	if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "path", tempPath, "err", err)

		return err
	}

	return nil
}

func (c *Client) release(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.jobs[j.TaskID] == j {
		delete(c.jobs, j.TaskID)
	}
}

func (c *Client) download(ctx context.Context, j *job, sink transfer.Sink) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status from source: %s", resp.Status)
	}

	total := resp.ContentLength
	if total < 0 {
		total = transfer.SizeUnknown
	}

	sink.OnHeaders(j.TaskID, total)

	if err := os.MkdirAll(filepath.Dir(j.TempPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create temporary directory: %w", err)
	}

	out, err := os.Create(j.TempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	size := "unknown"
	if total >= 0 {
		size = humanize.Bytes(uint64(total))
	}

	logger.InfoContext(ctx, "downloading file", "url", j.SourceURL, "path", j.TempPath, "file_size", size)

	pr := progress.NewReader(resp.Body, total, c.progressBytes, c.progressInterval, func(read, total int64) {
		sink.OnProgress(j.TaskID, read, total)
	})

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to copy body: %w", copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close temporary file: %w", closeErr)
	}

	pr.Flush()

	logger.InfoContext(ctx, "downloaded file", "url", j.SourceURL, "downloaded", humanize.Bytes(uint64(pr.BytesRead())))

	return nil
}
