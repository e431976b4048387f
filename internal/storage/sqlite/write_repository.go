package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
	"github.com/italolelis/download_tracker/internal/transfer"
)

// TaskWriteRepository stores task records in SQLite.
type TaskWriteRepository struct {
	db *sql.DB
}

func NewTaskWriteRepository(db *sql.DB) *TaskWriteRepository {
	return &TaskWriteRepository{db: db}
}

// SaveTask upserts rec by ID.
func (r *TaskWriteRepository) SaveTask(ctx context.Context, rec transfer.Record) error {
	var destURL, destRoot, destPath string

	switch rec.Destination.Kind() {
	case location.KindOpaque:
		destURL = rec.Destination.URL()
	case location.KindRelative:
		loc := rec.Destination.Location()
		destRoot, destPath = string(loc.Root), loc.Path
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, file_name, source_url, status,
			dest_kind, dest_url, dest_root, dest_path,
			received_bytes, total_bytes, failure_kind, failure_reason,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			dest_kind = excluded.dest_kind,
			dest_url = excluded.dest_url,
			dest_root = excluded.dest_root,
			dest_path = excluded.dest_path,
			received_bytes = excluded.received_bytes,
			total_bytes = excluded.total_bytes,
			failure_kind = excluded.failure_kind,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.FileName, rec.SourceURL, rec.Status.String(),
		string(rec.Destination.Kind()), destURL, destRoot, destPath,
		rec.ReceivedBytes, rec.TotalBytes, rec.FailureKind, rec.FailureReason,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)

	return err
}

// DeleteTask removes the record with id. Deleting a missing record is not an
// error.
func (r *TaskWriteRepository) DeleteTask(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)

	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
