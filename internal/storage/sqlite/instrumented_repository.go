package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/download_tracker/internal/storage"
	"github.com/italolelis/download_tracker/internal/telemetry"
	"github.com/italolelis/download_tracker/internal/transfer"
)

// InstrumentedTaskRepository wraps a task repository with telemetry.
type InstrumentedTaskRepository struct {
	repo      storage.TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

// GetTasks retrieves all tasks with telemetry.
func (r *InstrumentedTaskRepository) GetTasks(ctx context.Context) ([]transfer.Record, error) {
	var result []transfer.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_tasks", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTasks(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetTask retrieves a single task with telemetry.
func (r *InstrumentedTaskRepository) GetTask(ctx context.Context, id string) (transfer.Record, error) {
	var result transfer.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_task", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTask(ctx, id)

		return err
	})

	return result, err
}

// SaveTask upserts a task with telemetry.
func (r *InstrumentedTaskRepository) SaveTask(ctx context.Context, rec transfer.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_task", func(ctx context.Context) error {
		return r.repo.SaveTask(ctx, rec)
	})
}

// DeleteTask removes a task with telemetry.
func (r *InstrumentedTaskRepository) DeleteTask(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.DeleteTask(ctx, id)
	})
}
