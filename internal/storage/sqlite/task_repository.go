package sqlite

import (
	"database/sql"
)

// TaskRepository implements storage.TaskRepository on a single SQLite handle.
type TaskRepository struct {
	*TaskReadRepository
	*TaskWriteRepository
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{
		TaskReadRepository:  NewTaskReadRepository(dbConn),
		TaskWriteRepository: NewTaskWriteRepository(dbConn),
	}
}
