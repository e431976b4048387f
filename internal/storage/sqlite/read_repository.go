package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/download_tracker/internal/location"
	"github.com/italolelis/download_tracker/internal/storage"
	"github.com/italolelis/download_tracker/internal/transfer"
)

const selectTasks = `SELECT
		id,
		file_name,
		source_url,
		status,
		dest_kind,
		dest_url,
		dest_root,
		dest_path,
		received_bytes,
		total_bytes,
		failure_kind,
		failure_reason,
		created_at,
		updated_at
	FROM tasks`

type TaskReadRepository struct {
	db *sql.DB
}

func NewTaskReadRepository(dbConn *sql.DB) *TaskReadRepository {
	return &TaskReadRepository{db: dbConn}
}

// GetTasks returns every stored task, oldest first.
func (r *TaskReadRepository) GetTasks(ctx context.Context) ([]transfer.Record, error) {
	rows, err := r.db.QueryContext(ctx, selectTasks+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []transfer.Record

	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *TaskReadRepository) GetTask(ctx context.Context, id string) (transfer.Record, error) {
	rec, err := scanTask(r.db.QueryRowContext(ctx, selectTasks+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Record{}, storage.ErrNotFound
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (transfer.Record, error) {
	var (
		rec                       transfer.Record
		status, destKind, destURL string
		destRoot, destPath        string
		createdAt, updatedAt      string
	)

	err := row.Scan(
		&rec.ID,
		&rec.FileName,
		&rec.SourceURL,
		&status,
		&destKind,
		&destURL,
		&destRoot,
		&destPath,
		&rec.ReceivedBytes,
		&rec.TotalBytes,
		&rec.FailureKind,
		&rec.FailureReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return transfer.Record{}, err
	}

	if rec.Status, err = transfer.ParseStatus(status); err != nil {
		rec.Status = transfer.StatusUnknown
	}

	if destKind != "" {
		rec.Destination, err = location.FromParts(location.Kind(destKind), destURL, location.Root(destRoot), destPath)
		if err != nil {
			return transfer.Record{}, fmt.Errorf("task %s has a malformed destination: %w", rec.ID, err)
		}
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return transfer.Record{}, err
	}

	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return transfer.Record{}, err
	}

	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}

	return t, nil
}
