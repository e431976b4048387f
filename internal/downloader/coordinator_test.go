package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
	"github.com/italolelis/download_tracker/internal/storage"
	"github.com/italolelis/download_tracker/internal/storage/sqlite"
	"github.com/italolelis/download_tracker/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	jobs     map[string]transfer.Job
	startErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{jobs: make(map[string]transfer.Job)}
}

func (f *fakeTransport) Start(_ context.Context, job transfer.Job, _ transfer.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}

	f.jobs[job.TaskID] = job

	return nil
}

func (f *fakeTransport) Suspend(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "suspend")

	return nil
}

func (f *fakeTransport) Stop(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "stop")

	return nil
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Job(id string) transfer.Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.jobs[id]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	coordinator *Coordinator
	transport   *fakeTransport
	clock       *fakeClock
	env         location.StaticEnvironment
	resolver    *location.Resolver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	env := location.StaticEnvironment{
		location.RootDocuments: filepath.Join(t.TempDir(), "Documents"),
		location.RootTemporary: filepath.Join(t.TempDir(), "tmp"),
		location.RootCaches:    filepath.Join(t.TempDir(), "Caches"),
	}

	resolver := location.NewResolver(env)
	transport := newFakeTransport()
	clock := &fakeClock{now: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)

	return &fixture{
		coordinator: NewCoordinator(resolver, transport, opts...),
		transport:   transport,
		clock:       clock,
		env:         env,
		resolver:    resolver,
	}
}

func (f *fixture) writePartial(t *testing.T, id, content string) string {
	t.Helper()

	path, err := f.resolver.ResolvePath(TempDestination(id))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func (f *fixture) add(t *testing.T, name string) string {
	t.Helper()

	id, err := f.coordinator.Add(context.Background(), "https://example.com/"+name, name, location.MustRelative(location.RootDocuments, name))
	require.NoError(t, err)

	return id
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coordinator.Add(ctx, "https://example.com/a.zip", "a.zip", location.MustRelative(location.RootDocuments, "a.zip"))
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, f.transport.Calls())

	tempPath := f.writePartial(t, id, "payload")
	assert.Equal(t, tempPath, f.transport.Job(id).TempPath)

	f.clock.Advance(time.Second)
	f.coordinator.OnProgress(id, 50, 100)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusDownloading, snap.Status)
	require.NotNil(t, snap.Progress)
	assert.InDelta(t, 0.5, *snap.Progress, 0.0001)

	f.coordinator.OnCompleted(id)

	snap, err = f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, snap.Status)

	placed, err := os.ReadFile(filepath.Join(f.env[location.RootDocuments], "a.zip"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(placed))

	_, err = os.Stat(tempPath)
	assert.ErrorIs(t, err, os.ErrNotExist)

	select {
	case got := <-f.coordinator.OnDownloadCompleted:
		assert.Equal(t, id, got.ID)
	default:
		t.Fatal("expected a completion event")
	}
}

func TestAddRejectsDuplicatesAndBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := location.MustRelative(location.RootDocuments, "a.zip")

	_, err := f.coordinator.Add(ctx, "https://example.com/a.zip", "a.zip", dest)
	require.NoError(t, err)

	_, err = f.coordinator.Add(ctx, "https://example.com/a.zip", "a.zip", dest)
	require.ErrorIs(t, err, transfer.ErrAlreadyExists)

	_, err = f.coordinator.Add(ctx, "", "a.zip", dest)
	require.Error(t, err)

	_, err = f.coordinator.Add(ctx, "https://example.com/b.zip", "b.zip", location.Opaque("relative/path"))
	require.ErrorIs(t, err, location.ErrUnresolvable)

	assert.Len(t, f.coordinator.List(), 1)
}

func TestAddAndRelocateRequireLocalDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remote := location.Opaque("https://cdn.example.com/a.zip")

	_, err := f.coordinator.Add(ctx, "https://example.com/a.zip", "a.zip", remote)
	require.ErrorIs(t, err, location.ErrUnresolvable)
	assert.Empty(t, f.coordinator.List())
	assert.Empty(t, f.transport.Calls())

	id := f.add(t, "b.zip")
	require.ErrorIs(t, f.coordinator.Relocate(ctx, id, remote), location.ErrUnresolvable)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, location.MustRelative(location.RootDocuments, "b.zip"), snap.Destination)

	local := filepath.Join(f.env[location.RootDocuments], "elsewhere", "b.zip")
	require.NoError(t, f.coordinator.Relocate(ctx, id, location.Opaque("file://"+filepath.ToSlash(local))))
}

func TestCompletionStopsRestartedTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, "a.zip")
	f.writePartial(t, id, "payload")

	f.coordinator.OnProgress(id, 3, 7)
	require.NoError(t, f.coordinator.Pause(ctx, id))
	require.NoError(t, f.coordinator.Resume(ctx, id))

	// the first transfer finishes after the resume already queued a second one
	f.coordinator.OnCompleted(id)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"start", "suspend", "start", "stop"}, f.transport.Calls())
}

func TestCommandsOnUnknownTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.coordinator.Pause(ctx, "missing"), transfer.ErrNotFound)
	require.ErrorIs(t, f.coordinator.Resume(ctx, "missing"), transfer.ErrNotFound)
	require.ErrorIs(t, f.coordinator.Cancel(ctx, "missing"), transfer.ErrNotFound)

	_, err := f.coordinator.Get("missing")
	require.ErrorIs(t, err, transfer.ErrNotFound)

	assert.NotPanics(t, func() {
		f.coordinator.OnProgress("missing", 1, 2)
		f.coordinator.OnCompleted("missing")
		f.coordinator.OnFailed("missing", errors.New("x"))
	})
}

func TestPauseWhileGettingInfo(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "a.zip")

	err := f.coordinator.Pause(context.Background(), id)
	require.ErrorIs(t, err, transfer.ErrInvalidState)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusGettingInfo, snap.Status)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, "a.zip")

	f.coordinator.OnHeaders(id, 1000)
	require.NoError(t, f.coordinator.Pause(ctx, id))
	require.ErrorIs(t, f.coordinator.Pause(ctx, id), transfer.ErrInvalidState)

	f.coordinator.OnProgress(id, 300, 1000)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, snap.Status)
	assert.Equal(t, int64(300), snap.ReceivedBytes)
	assert.Nil(t, snap.Speed)

	require.NoError(t, f.coordinator.Resume(ctx, id))
	assert.Equal(t, []string{"start", "suspend", "start"}, f.transport.Calls())
}

func TestOnFailedTwice(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "a.zip")

	f.coordinator.OnFailed(id, errors.New("connection reset"))

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, snap.Status)
	assert.Equal(t, transfer.FailureKindTransfer, snap.FailureKind)
	assert.Contains(t, snap.Failure, "connection reset")

	f.coordinator.OnFailed(id, errors.New("second"))

	again, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, snap, again)

	assert.Len(t, f.coordinator.OnDownloadFailed, 1)
}

func TestOnFailedWhilePausedIsIgnored(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "a.zip")

	f.coordinator.OnHeaders(id, 10)
	require.NoError(t, f.coordinator.Pause(context.Background(), id))

	f.coordinator.OnFailed(id, errors.New("context canceled"))

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, snap.Status)
}

func TestLateCallbacksAfterCompletionAreDiscarded(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "a.zip")
	f.writePartial(t, id, "data")

	f.coordinator.OnProgress(id, 4, 4)
	f.coordinator.OnCompleted(id)
	f.coordinator.OnProgress(id, 8, 8)
	f.coordinator.OnFailed(id, errors.New("late"))
	f.coordinator.OnCompleted(id)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, snap.Status)
	assert.Equal(t, int64(4), snap.ReceivedBytes)
	assert.Len(t, f.coordinator.OnDownloadCompleted, 1)
}

func TestPlacementFailure(t *testing.T) {
	f := newFixture(t, WithPlacer(PlacerFunc(func(context.Context, string, string) error {
		return errors.New("disk full")
	})))
	id := f.add(t, "a.zip")

	f.coordinator.OnProgress(id, 10, 10)
	f.coordinator.OnCompleted(id)

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, snap.Status)
	assert.Equal(t, transfer.FailureKindPlacement, snap.FailureKind)
	assert.Contains(t, snap.Failure, "disk full")
}

func TestStartFailureFailsTask(t *testing.T) {
	f := newFixture(t)
	f.transport.startErr = errors.New("no route")

	id := f.add(t, "a.zip")

	snap, err := f.coordinator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, snap.Status)
	assert.Equal(t, transfer.FailureKindTransfer, snap.FailureKind)
}

func TestCancelIsImmediate(t *testing.T) {
	repo := newMemoryRepository()
	f := newFixture(t, WithRepository(repo))
	ctx := context.Background()
	id := f.add(t, "a.zip")

	f.coordinator.OnProgress(id, 10, 100)
	require.Contains(t, repo.ids(), id)

	require.NoError(t, f.coordinator.Cancel(ctx, id))

	_, err := f.coordinator.Get(id)
	require.ErrorIs(t, err, transfer.ErrNotFound)
	assert.NotContains(t, repo.ids(), id)
	assert.Equal(t, []string{"start", "stop"}, f.transport.Calls())

	f.coordinator.OnProgress(id, 20, 100)
	f.coordinator.OnCompleted(id)
	assert.Empty(t, f.coordinator.List())
	assert.Empty(t, f.coordinator.OnDownloadCompleted)

	require.ErrorIs(t, f.coordinator.Cancel(ctx, id), transfer.ErrNotFound)
}

func TestCancelTerminalTask(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "a.zip")
	f.coordinator.OnFailed(id, errors.New("boom"))

	require.NoError(t, f.coordinator.Cancel(context.Background(), id))
	assert.Empty(t, f.coordinator.List())
}

func TestRelocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, "a.zip")
	f.writePartial(t, id, "data")

	next := location.MustRelative(location.RootCaches, "moved/a.zip")
	require.NoError(t, f.coordinator.Relocate(ctx, id, next))
	require.ErrorIs(t, f.coordinator.Relocate(ctx, id, location.Opaque("not absolute")), location.ErrUnresolvable)

	f.coordinator.OnCompleted(id)

	_, err := os.Stat(filepath.Join(f.env[location.RootCaches], "moved", "a.zip"))
	require.NoError(t, err)

	require.ErrorIs(t, f.coordinator.Relocate(ctx, id, next), transfer.ErrInvalidState)
}

func TestKeepCompletedDisabledHandsOff(t *testing.T) {
	repo := newMemoryRepository()
	f := newFixture(t, WithKeepCompleted(false), WithRepository(repo))
	id := f.add(t, "a.zip")
	f.writePartial(t, id, "data")

	f.coordinator.OnCompleted(id)

	_, err := f.coordinator.Get(id)
	require.ErrorIs(t, err, transfer.ErrNotFound)
	assert.Empty(t, repo.ids())

	got := <-f.coordinator.OnDownloadCompleted
	assert.Equal(t, transfer.StatusCompleted, got.Status)
}

func TestConcurrentCommandsAndCallbacks(t *testing.T) {
	f := newFixture(t, WithEventBuffer(0))
	ctx := context.Background()

	const tasks = 8

	ids := make([]string, tasks)
	for i := range ids {
		ids[i] = f.add(t, fmt.Sprintf("file-%d.bin", i))
		f.coordinator.OnHeaders(ids[i], 1_000_000)
	}

	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(2)

		go func() {
			defer wg.Done()

			for b := int64(1); b <= 500; b++ {
				f.coordinator.OnProgress(id, b*100, 1_000_000)
			}
		}()

		go func() {
			defer wg.Done()

			for range 50 {
				_ = f.coordinator.Pause(ctx, id)
				_ = f.coordinator.Resume(ctx, id)
				_, _ = f.coordinator.Get(id)
				_ = f.coordinator.List()
			}
		}()
	}

	wg.Wait()

	for _, id := range ids {
		snap, err := f.coordinator.Get(id)
		require.NoError(t, err)
		assert.Equal(t, int64(50_000), snap.ReceivedBytes)
		assert.Contains(t, []transfer.Status{transfer.StatusDownloading, transfer.StatusPaused}, snap.Status)
	}
}

func TestRestoreMigratesAndResumes(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewTaskRepository(db)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	record := func(name string, status transfer.Status, dest location.Destination) transfer.Record {
		return transfer.Record{
			ID:            transfer.TaskID("https://example.com/"+name, name),
			FileName:      name,
			SourceURL:     "https://example.com/" + name,
			Status:        status,
			Destination:   dest,
			ReceivedBytes: 10,
			TotalBytes:    100,
			CreatedAt:     created,
			UpdatedAt:     created,
		}
	}

	legacy := record("legacy.zip", transfer.StatusPaused, location.Opaque("/old/sandbox/Documents/movies/legacy.zip"))
	lost := record("lost.zip", transfer.StatusDownloading, location.Opaque("file:///mnt/elsewhere/lost.zip"))
	done := record("done.zip", transfer.StatusCompleted, location.Opaque("/mnt/elsewhere/done.zip"))
	running := record("running.zip", transfer.StatusDownloading, location.MustRelative(location.RootDocuments, "running.zip"))

	for _, rec := range []transfer.Record{legacy, lost, done, running} {
		require.NoError(t, repo.SaveTask(ctx, rec))
	}

	f := newFixture(t, WithRepository(repo), WithAutoResume(true))

	n, err := f.coordinator.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	snap, err := f.coordinator.Get(legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, location.MustRelative(location.RootDocuments, "movies/legacy.zip"), snap.Destination)
	assert.Equal(t, transfer.StatusPaused, snap.Status)

	snap, err = f.coordinator.Get(lost.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, snap.Status)
	assert.Equal(t, transfer.FailureKindUnrecognized, snap.FailureKind)

	snap, err = f.coordinator.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, snap.Status)

	snap, err = f.coordinator.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusDownloading, snap.Status, "interrupted downloads resume")
	assert.Equal(t, []string{"start"}, f.transport.Calls())

	stored, err := repo.GetTask(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, location.KindRelative, stored.Destination.Kind(), "migrated destination is persisted")

	stored, err = repo.GetTask(ctx, lost.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, stored.Status)
}

func TestShutdownPersistsAndClosesChannels(t *testing.T) {
	repo := newMemoryRepository()
	f := newFixture(t, WithRepository(repo))
	ctx := context.Background()
	id := f.add(t, "a.zip")

	f.coordinator.OnProgress(id, 42, 100)
	require.NoError(t, f.coordinator.Shutdown(ctx))
	require.NoError(t, f.coordinator.Shutdown(ctx))

	assert.Equal(t, int64(42), repo.get(id).ReceivedBytes)
	assert.Contains(t, f.transport.Calls(), "suspend")

	_, open := <-f.coordinator.OnDownloadCompleted
	assert.False(t, open)

	_, err := f.coordinator.Add(ctx, "https://example.com/b.zip", "b.zip", location.MustRelative(location.RootDocuments, "b.zip"))
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, f.coordinator.Pause(ctx, id), ErrShutdown)

	assert.NotPanics(t, func() { f.coordinator.OnFailed(id, errors.New("late")) })
}

type memoryRepository struct {
	mu      sync.Mutex
	records map[string]transfer.Record
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: make(map[string]transfer.Record)}
}

func (r *memoryRepository) GetTasks(context.Context) ([]transfer.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]transfer.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}

	return out, nil
}

func (r *memoryRepository) GetTask(_ context.Context, id string) (transfer.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return transfer.Record{}, storage.ErrNotFound
	}

	return rec, nil
}

func (r *memoryRepository) SaveTask(_ context.Context, rec transfer.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.ID] = rec

	return nil
}

func (r *memoryRepository) DeleteTask(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, id)

	return nil
}

func (r *memoryRepository) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}

	return ids
}

func (r *memoryRepository) get(id string) transfer.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.records[id]
}
