package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dealflow/internal/domain"
)

const taskColumns = `id,deal_id,title,COALESCE(description,''),type,due_date,status,priority,COALESCE(assignee_id,''),completed_at,created_at,created_by`

func scanTask(row rowScanner) (domain.DealTask, error) {
	var t domain.DealTask
	var due, createdAt string
	var completed sql.NullString
	err := row.Scan(&t.ID, &t.DealID, &t.Title, &t.Description, &t.Type, &due, &t.Status, &t.Priority, &t.AssigneeID, &completed, &createdAt, &t.CreatedBy)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.DueDate, err = parseTime(due); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.DealTask) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO deal_tasks(id,deal_id,title,description,type,due_date,status,priority,assignee_id,completed_at,created_at,created_by)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DealID, t.Title, nullable(t.Description), string(t.Type), FormatTime(t.DueDate), string(t.Status), string(t.Priority),
		nullable(t.AssigneeID), formatTimePtr(t.CompletedAt), FormatTime(t.CreatedAt), t.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, completedAt *time.Time) error {
	res, err := r.q().ExecContext(ctx, `UPDATE deal_tasks SET status=?,completed_at=? WHERE id=?`, string(status), formatTimePtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.DealTask, error) {
	return scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM deal_tasks WHERE id=?`, id))
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM deal_tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns a deal's tasks ordered by due date.
func (r Repo) ListTasks(ctx context.Context, dealID string) ([]domain.DealTask, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+taskColumns+` FROM deal_tasks WHERE deal_id=? ORDER BY due_date ASC, rowid ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DealTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextPendingTask returns the pending task with the earliest due date.
func (r Repo) NextPendingTask(ctx context.Context, dealID string) (domain.DealTask, error) {
	return scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM deal_tasks WHERE deal_id=? AND status=? ORDER BY due_date ASC, rowid ASC LIMIT 1`,
		dealID, string(domain.TaskPending)))
}
