package storage

import (
	"context"
	"errors"

	"github.com/italolelis/download_tracker/internal/transfer"
)

// ErrNotFound is returned when no task record matches the requested ID.
var ErrNotFound = errors.New("task record not found")

// TaskReadRepository loads persisted download tasks.
type TaskReadRepository interface {
	GetTasks(ctx context.Context) ([]transfer.Record, error)
	GetTask(ctx context.Context, id string) (transfer.Record, error)
}

// TaskWriteRepository stores download tasks. SaveTask inserts or replaces the
// record with the same ID.
type TaskWriteRepository interface {
	SaveTask(ctx context.Context, rec transfer.Record) error
	DeleteTask(ctx context.Context, id string) error
}

// TaskRepository is the full persistence surface the coordinator needs.
type TaskRepository interface {
	TaskReadRepository
	TaskWriteRepository
}
