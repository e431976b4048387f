package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
	"github.com/italolelis/download_tracker/internal/logctx"
	"github.com/italolelis/download_tracker/internal/storage"
	"github.com/italolelis/download_tracker/internal/telemetry"
	"github.com/italolelis/download_tracker/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const (
	// PartialDir is the directory under the temporary root holding in-flight
	// downloads.
	PartialDir = "download_tracker"
	// PartialSuffix is appended to the task ID to name its temporary file.
	PartialSuffix = ".part"

	defaultEventBuffer = 64
)

// ErrShutdown is returned for commands issued after Shutdown.
var ErrShutdown = errors.New("coordinator is shut down")

// Coordinator owns the download tasks. Commands and transport callbacks for
// one task are serialized by that task's lock; different tasks proceed in
// parallel. It implements transfer.Sink.
type Coordinator struct {
	resolver  *location.Resolver
	remapper  *location.Remapper
	transport transfer.Transport
	placer    Placer
	repo      storage.TaskRepository
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
	now       func() time.Time

	keepCompleted bool
	autoResume    bool

	mu       sync.RWMutex
	entries  map[string]*entry
	shutdown bool

	OnDownloadCompleted chan transfer.Snapshot
	OnDownloadFailed    chan transfer.Snapshot
}

type entry struct {
	mu      sync.Mutex
	task    *transfer.Task
	removed bool
}

// Option configures a Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	now           func() time.Time
	placer        Placer
	repo          storage.TaskRepository
	remapper      *location.Remapper
	telemetry     *telemetry.Telemetry
	logger        *slog.Logger
	eventBuffer   int
	keepCompleted bool
	autoResume    bool
}

// WithClock overrides the time source used for samples and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *coordinatorOptions) { o.now = now }
}

// WithPlacer sets the collaborator that moves finished files. Defaults to
// FilePlacer.
func WithPlacer(p Placer) Option {
	return func(o *coordinatorOptions) { o.placer = p }
}

// WithRepository enables persistence of task state.
func WithRepository(repo storage.TaskRepository) Option {
	return func(o *coordinatorOptions) { o.repo = repo }
}

// WithRemapper sets the remapper used to migrate persisted absolute
// destinations on Restore. Defaults to the default markers over the resolver.
func WithRemapper(r *location.Remapper) Option {
	return func(o *coordinatorOptions) { o.remapper = r }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *coordinatorOptions) { o.telemetry = t }
}

// WithLogger sets the logger used for transport callbacks, which carry no
// context of their own.
func WithLogger(l *slog.Logger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithEventBuffer sizes the outcome channels. Outcomes are dropped when the
// buffer is full.
func WithEventBuffer(n int) Option {
	return func(o *coordinatorOptions) { o.eventBuffer = n }
}

// WithKeepCompleted keeps completed tasks listed until the user removes them.
// Otherwise a task leaves the collection once its file is placed.
func WithKeepCompleted(keep bool) Option {
	return func(o *coordinatorOptions) { o.keepCompleted = keep }
}

// WithAutoResume restarts restored tasks that were transferring when the
// process stopped.
func WithAutoResume(resume bool) Option {
	return func(o *coordinatorOptions) { o.autoResume = resume }
}

// NewCoordinator creates a coordinator resolving destinations with resolver
// and moving bytes with transport.
func NewCoordinator(resolver *location.Resolver, transport transfer.Transport, opts ...Option) *Coordinator {
	o := coordinatorOptions{
		now:           time.Now,
		placer:        FilePlacer{},
		eventBuffer:   defaultEventBuffer,
		keepCompleted: true,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.remapper == nil {
		o.remapper = location.NewRemapper(resolver)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.eventBuffer < 0 {
		o.eventBuffer = 0
	}

	return &Coordinator{
		resolver:            resolver,
		remapper:            o.remapper,
		transport:           transport,
		placer:              o.placer,
		repo:                o.repo,
		telemetry:           o.telemetry,
		logger:              o.logger,
		now:                 o.now,
		keepCompleted:       o.keepCompleted,
		autoResume:          o.autoResume,
		entries:             make(map[string]*entry),
		OnDownloadCompleted: make(chan transfer.Snapshot, o.eventBuffer),
		OnDownloadFailed:    make(chan transfer.Snapshot, o.eventBuffer),
	}
}

// TempDestination is where the bytes of task id are written while in flight.
func TempDestination(id string) location.Destination {
	return location.MustRelative(location.RootTemporary, PartialDir+"/"+id+PartialSuffix)
}

// Add enqueues a download and starts its transfer. The destination must
// resolve in the current environment.
func (c *Coordinator) Add(ctx context.Context, sourceURL, fileName string, destination location.Destination) (string, error) {
	if strings.TrimSpace(sourceURL) == "" || strings.TrimSpace(fileName) == "" {
		return "", errors.New("source url and file name are required")
	}

	if err := c.validateDestination(destination); err != nil {
		return "", err
	}

	task := transfer.NewTask(c.now(), sourceURL, fileName, destination)
	e := &entry{task: task}

	// Locked before it is visible so that early callbacks wait for the start.
	e.mu.Lock()
	defer e.mu.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()

		return "", ErrShutdown
	}

	if _, ok := c.entries[task.ID]; ok {
		c.mu.Unlock()

		return "", fmt.Errorf("%w: %s", transfer.ErrAlreadyExists, task.ID)
	}

	c.entries[task.ID] = e
	c.mu.Unlock()

	ctx = logctx.WithTaskID(ctx, task.ID)
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "download added", "url", sourceURL, "file_name", fileName, "destination", destination.String())

	c.telemetry.IncrementActiveDownloads()
	c.start(ctx, e)
	c.transitioned(ctx, e, transfer.StatusGettingInfo)
	c.save(ctx, task)

	return task.ID, nil
}

// Pause suspends a downloading task.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	return c.command(ctx, id, func(ctx context.Context, e *entry) error {
		if err := e.task.Pause(c.now()); err != nil {
			return err
		}

		if err := c.transport.Suspend(ctx, id); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to suspend transfer", "err", err)
		}

		return nil
	})
}

// Resume restarts a paused task's transfer.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	return c.command(ctx, id, func(ctx context.Context, e *entry) error {
		if err := e.task.Resume(c.now()); err != nil {
			return err
		}

		c.start(ctx, e)

		return nil
	})
}

// Relocate changes where an unfinished task will be placed.
func (c *Coordinator) Relocate(ctx context.Context, id string, destination location.Destination) error {
	if err := c.validateDestination(destination); err != nil {
		return err
	}

	return c.command(ctx, id, func(ctx context.Context, e *entry) error {
		if err := e.task.Relocate(c.now(), destination); err != nil {
			return err
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download relocated", "destination", destination.String())

		return nil
	})
}

// Cancel removes a task in any state. Its transfer is stopped without waiting
// and its partial file discarded. Callbacks still in flight become no-ops.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	ctx = logctx.WithTaskID(ctx, id)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.removed = true

	if active(e.task.Status()) {
		c.telemetry.DecrementActiveDownloads()
	}

	if !e.task.Status().Terminal() {
		c.telemetry.RecordDownload("cancelled", c.now().Sub(e.task.CreatedAt))
	}

	if err := c.transport.Stop(ctx, id); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to stop transfer", "err", err)
	}

	c.delete(ctx, id)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download removed", "status", e.task.Status().String())

	return nil
}

// Get returns a snapshot of one task.
func (c *Coordinator) Get(id string) (transfer.Snapshot, error) {
	e, ok := c.lookup(id)
	if !ok {
		return transfer.Snapshot{}, fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return transfer.Snapshot{}, fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	return e.task.Snapshot(), nil
}

// List returns snapshots of all tasks, oldest first.
func (c *Coordinator) List() []transfer.Snapshot {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))

	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	snapshots := make([]transfer.Snapshot, 0, len(entries))

	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			snapshots = append(snapshots, e.task.Snapshot())
		}
		e.mu.Unlock()
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}

		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})

	return snapshots
}

// Owns reports whether id belongs to a task the coordinator still holds.
func (c *Coordinator) Owns(id string) bool {
	_, ok := c.lookup(id)

	return ok
}

// OnHeaders records that the source answered, with its size if known.
func (c *Coordinator) OnHeaders(id string, totalBytes int64) {
	c.callback(id, "headers", func(ctx context.Context, e *entry) error {
		return e.task.HeadersReceived(c.now(), totalBytes)
	})
}

// OnProgress applies a byte counter sample.
func (c *Coordinator) OnProgress(id string, receivedBytes, totalBytes int64) {
	c.callback(id, "progress", func(ctx context.Context, e *entry) error {
		before := e.task.ReceivedBytes()

		if err := e.task.Progress(c.now(), receivedBytes, totalBytes); err != nil {
			return err
		}

		c.telemetry.RecordBytesReceived(e.task.ReceivedBytes() - before)

		return nil
	})
}

// OnFailed fails the task with cause. Ignored while paused, since a suspended
// transfer may report its own interruption.
func (c *Coordinator) OnFailed(id string, cause error) {
	c.callback(id, "failed", func(ctx context.Context, e *entry) error {
		return e.task.Fail(c.now(), cause)
	})
}

// OnCompleted places the finished file at the task's destination. A placement
// failure fails the task with a placement error.
func (c *Coordinator) OnCompleted(id string) {
	c.callback(id, "completed", func(ctx context.Context, e *entry) error {
		if err := e.task.CanComplete(); err != nil {
			return err
		}

		return e.task.Complete(c.now(), c.place(ctx, e.task))
	})
}

// validateDestination requires a local filesystem target, since finished files
// are placed on disk.
func (c *Coordinator) validateDestination(destination location.Destination) error {
	if _, err := c.resolver.ResolvePath(destination); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	return nil
}

func (c *Coordinator) place(ctx context.Context, task *transfer.Task) error {
	source, err := c.resolver.ResolvePath(TempDestination(task.ID))
	if err != nil {
		return &transfer.PlacementError{Err: err}
	}

	target, err := c.resolver.ResolvePath(task.Destination())
	if err != nil {
		return &transfer.PlacementError{Source: source, Err: err}
	}

	return c.telemetry.InstrumentPlacement(ctx, func(ctx context.Context) error {
		return c.placer.Place(ctx, source, target)
	})
}

// Restore loads persisted tasks. Absolute destinations recorded under an
// earlier sandbox root are migrated to root-relative ones; tasks whose
// destination no longer maps anywhere are failed and kept for the user to
// remove. It returns the number of tasks loaded.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	records, err := c.repo.GetTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load tasks: %w", err)
	}

	var toResume []string

	loaded := 0

	for _, rec := range records {
		taskCtx := logctx.WithTaskID(ctx, rec.ID)
		wasActive := active(rec.Status)

		task, changed := c.restoreTask(taskCtx, rec)

		c.mu.Lock()
		if _, exists := c.entries[task.ID]; exists {
			c.mu.Unlock()
			logger.WarnContext(taskCtx, "skipping restored task that is already tracked")

			continue
		}

		c.entries[task.ID] = &entry{task: task}
		c.mu.Unlock()

		loaded++

		if changed {
			c.save(taskCtx, task)
		}

		if wasActive && task.Status() == transfer.StatusPaused {
			toResume = append(toResume, task.ID)
		}
	}

	logger.InfoContext(ctx, "restored downloads", "count", loaded, "interrupted", len(toResume))

	if !c.autoResume {
		return loaded, nil
	}

	for _, id := range toResume {
		if err := c.Resume(ctx, id); err != nil {
			logger.WarnContext(logctx.WithTaskID(ctx, id), "failed to resume restored download", "err", err)
		}
	}

	return loaded, nil
}

func (c *Coordinator) restoreTask(ctx context.Context, rec transfer.Record) (*transfer.Task, bool) {
	logger := logctx.LoggerFromContext(ctx)
	changed := active(rec.Status)

	if rec.Destination.Kind() != location.KindOpaque {
		return transfer.FromRecord(rec), changed
	}

	migrated, err := c.remapper.Migrate(rec.Destination)

	switch {
	case err == nil:
		if migrated != rec.Destination {
			logger.InfoContext(ctx, "migrated destination", "from", rec.Destination.String(), "to", migrated.String())
			c.telemetry.RecordDestinationMigration("remapped")

			rec.Destination = migrated
			changed = true
		}

		return transfer.FromRecord(rec), changed
	case errors.Is(err, location.ErrNotRecognized):
		c.telemetry.RecordDestinationMigration("not_recognized")

		task := transfer.FromRecord(rec)
		if task.Status().Terminal() {
			logger.WarnContext(ctx, "destination of finished download is no longer recognized", "destination", rec.Destination.String())

			return task, changed
		}

		logger.WarnContext(ctx, "failing download with unrecognized destination", "destination", rec.Destination.String())
		task.FailUnrecognized(c.now(), err)

		return task, true
	default:
		logger.WarnContext(ctx, "failed to migrate destination", "destination", rec.Destination.String(), "err", err)

		return transfer.FromRecord(rec), changed
	}
}

// Shutdown suspends running transfers and flushes every task to the
// repository. Commands and callbacks arriving afterwards are refused, and
// the outcome channels are closed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()

		return nil
	}

	c.shutdown = true

	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "shutting down coordinator", "tasks", len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, e := range entries {
		g.Go(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()

			if e.removed {
				return nil
			}

			taskCtx := logctx.WithTaskID(gctx, e.task.ID)

			if active(e.task.Status()) {
				if err := c.transport.Suspend(taskCtx, e.task.ID); err != nil {
					logctx.LoggerFromContext(taskCtx).WarnContext(taskCtx, "failed to suspend transfer", "err", err)
				}
			}

			if c.repo != nil {
				if err := c.repo.SaveTask(taskCtx, e.task.Record()); err != nil {
					return fmt.Errorf("failed to save task %s: %w", e.task.ID, err)
				}
			}

			return nil
		})
	}

	err := g.Wait()

	c.mu.Lock()
	close(c.OnDownloadCompleted)
	close(c.OnDownloadFailed)
	c.mu.Unlock()

	return err
}

func (c *Coordinator) lookup(id string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]

	return e, ok
}

// command runs fn under the task's lock and persists any status change.
func (c *Coordinator) command(ctx context.Context, id string, fn func(context.Context, *entry) error) error {
	c.mu.RLock()
	closed := c.shutdown
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if closed {
		return ErrShutdown
	}

	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	ctx = logctx.WithTaskID(ctx, id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	before := e.task.Status()

	if err := fn(ctx, e); err != nil {
		return err
	}

	c.transitioned(ctx, e, before)

	if !e.removed {
		c.save(ctx, e.task)
	}

	return nil
}

// callback runs fn for a transport event. Events for unknown, removed or
// finished tasks are dropped and logged.
func (c *Coordinator) callback(id, name string, fn func(context.Context, *entry) error) {
	ctx := logctx.WithTaskID(logctx.WithLogger(context.Background(), c.logger), id)

	c.mu.RLock()
	closed := c.shutdown
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if closed || !ok {
		c.discard(ctx, name, "unknown_task")

		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		c.discard(ctx, name, "removed")

		return
	}

	before := e.task.Status()

	if err := fn(ctx, e); err != nil {
		reason := "invalid_state"
		if errors.Is(err, transfer.ErrTerminal) {
			reason = "terminal"
		}

		c.discard(ctx, name, reason, "status", e.task.Status().String(), "err", err)

		return
	}

	if c.transitioned(ctx, e, before) && !e.removed {
		c.save(ctx, e.task)
	}
}

func (c *Coordinator) discard(ctx context.Context, callback, reason string, attrs ...any) {
	c.telemetry.RecordDiscardedCallback(callback, reason)

	args := append([]any{"callback", callback, "reason", reason}, attrs...)
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "discarded transport callback", args...)
}

// transitioned records metrics and outcomes for a status change since before.
// The caller holds e.mu.
func (c *Coordinator) transitioned(ctx context.Context, e *entry, before transfer.Status) bool {
	after := e.task.Status()
	if after == before {
		return false
	}

	c.telemetry.RecordTransition(before.String(), after.String())

	switch {
	case active(before) && !active(after):
		c.telemetry.DecrementActiveDownloads()
	case !active(before) && active(after):
		c.telemetry.IncrementActiveDownloads()
	}

	logger := logctx.LoggerFromContext(ctx)

	switch after {
	case transfer.StatusCompleted:
		logger.InfoContext(ctx, "download completed", "file_name", e.task.FileName)
		c.telemetry.RecordDownload("completed", c.now().Sub(e.task.CreatedAt))
		c.emit(ctx, c.OnDownloadCompleted, e.task.Snapshot())

		// A transfer restarted by a Resume racing the completion is no longer needed.
		if err := c.transport.Stop(ctx, e.task.ID); err != nil {
			logger.WarnContext(ctx, "failed to stop transfer after completion", "err", err)
		}

		if !c.keepCompleted {
			c.handOff(ctx, e)
		}
	case transfer.StatusFailed:
		logger.ErrorContext(ctx, "download failed", "file_name", e.task.FileName, "kind", e.task.FailureKind(), "err", e.task.Failure())
		c.telemetry.RecordDownload("failed", c.now().Sub(e.task.CreatedAt))
		c.emit(ctx, c.OnDownloadFailed, e.task.Snapshot())

		if e.task.FailureKind() == transfer.FailureKindTransfer {
			if err := c.transport.Stop(ctx, e.task.ID); err != nil {
				logger.WarnContext(ctx, "failed to discard partial file", "err", err)
			}
		}
	default:
		logger.DebugContext(ctx, "download status changed", "from", before.String(), "status", after.String())
	}

	return true
}

// handOff drops a completed task from the collection once its file is
// placed. The caller holds e.mu.
func (c *Coordinator) handOff(ctx context.Context, e *entry) {
	c.mu.Lock()
	if c.entries[e.task.ID] == e {
		delete(c.entries, e.task.ID)
	}
	c.mu.Unlock()

	e.removed = true

	c.delete(ctx, e.task.ID)
}

// start hands the task to the transport. A transport that refuses the job
// fails the task; the caller records the transition.
func (c *Coordinator) start(ctx context.Context, e *entry) {
	job := transfer.Job{TaskID: e.task.ID, SourceURL: e.task.SourceURL}

	tempPath, err := c.resolver.ResolvePath(TempDestination(e.task.ID))
	if err == nil {
		job.TempPath = tempPath
		err = c.transport.Start(ctx, job, c)
	}

	if err == nil {
		return
	}

	if failErr := e.task.Fail(c.now(), err); failErr != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to start transfer", "err", err, "fail_err", failErr)
	}
}

func (c *Coordinator) emit(ctx context.Context, ch chan transfer.Snapshot, snapshot transfer.Snapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.shutdown {
		return
	}

	select {
	case ch <- snapshot:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "outcome channel full, dropping event", "status", snapshot.Status.String())
	}
}

func (c *Coordinator) save(ctx context.Context, task *transfer.Task) {
	if c.repo == nil {
		return
	}

	if err := c.repo.SaveTask(ctx, task.Record()); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist task", "err", err)
	}
}

func (c *Coordinator) delete(ctx context.Context, id string) {
	if c.repo == nil {
		return
	}

	if err := c.repo.DeleteTask(ctx, id); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to delete task", "err", err)
	}
}

func active(s transfer.Status) bool {
	return s == transfer.StatusGettingInfo || s == transfer.StatusDownloading
}
