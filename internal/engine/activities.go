package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"dealflow/internal/domain"
	"dealflow/internal/events"
	"dealflow/internal/repo"
)

// RecordActivity appends a timeline entry to a deal and bumps its lastActivityAt.
func (e Engine) RecordActivity(ctx context.Context, dealID string, typ domain.ActivityType, description string, metadata map[string]any, actorID string) (domain.DealActivity, error) {
	if !typ.Valid() {
		return domain.DealActivity{}, invalid("type", "unknown activity type %q", typ)
	}
	if strings.TrimSpace(description) == "" {
		return domain.DealActivity{}, invalid("description", "is required")
	}
	var a domain.DealActivity
	err := e.inTx(ctx, "activity.record", func(tx *sql.Tx, rr repo.Repo) error {
		d, err := rr.GetDeal(ctx, dealID)
		if err != nil {
			return lookup(err, "deal", dealID)
		}
		now := e.now()
		if a, err = e.appendActivity(ctx, rr, &d, now, typ, description, metadata, actorID); err != nil {
			return err
		}
		d.UpdatedAt = now
		if err := rr.UpdateDeal(ctx, d); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.DealActivityRecorded, d.TenantID, "deal", d.ID, actorID, events.EventPayload{
			"dealId":     d.ID,
			"activityId": a.ID,
			"type":       a.Type,
		})
	})
	if err != nil {
		return domain.DealActivity{}, err
	}
	return a, nil
}

// ListActivities returns a deal's activities newest first.
func (e Engine) ListActivities(ctx context.Context, dealID string, limit int) (res []domain.DealActivity, err error) {
	defer observe("activity.list", time.Now(), &err)
	if _, err = e.Repo.GetDeal(ctx, dealID); err != nil {
		return nil, lookup(err, "deal", dealID)
	}
	return e.Repo.ListActivities(ctx, dealID, limit)
}

// CreateTaskOptions are parameters for scheduling a task on a deal.
type CreateTaskOptions struct {
	DealID      string
	Title       string
	Description string
	Type        domain.TaskType
	DueDate     time.Time
	Priority    domain.TaskPriority
	AssigneeID  string
	ActorID     string
}

// CreateTask schedules a task. A task due in the past starts out overdue.
// The deal's next activity moves to the task when it is due sooner.
func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.DealTask, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.DealTask{}, invalid("title", "is required")
	}
	if opts.Type == "" {
		opts.Type = domain.TaskOther
	}
	if !opts.Type.Valid() {
		return domain.DealTask{}, invalid("type", "unknown task type %q", opts.Type)
	}
	if opts.DueDate.IsZero() {
		return domain.DealTask{}, invalid("due_date", "is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.TaskPriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.DealTask{}, invalid("priority", "unknown task priority %q", opts.Priority)
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	var t domain.DealTask
	err := e.inTx(ctx, "task.create", func(tx *sql.Tx, rr repo.Repo) error {
		d, err := rr.GetDeal(ctx, opts.DealID)
		if err != nil {
			return lookup(err, "deal", opts.DealID)
		}
		now := e.now()
		t = domain.DealTask{
			ID:          newID(),
			DealID:      d.ID,
			Title:       opts.Title,
			Description: opts.Description,
			Type:        opts.Type,
			DueDate:     opts.DueDate.UTC(),
			Status:      domain.TaskPending,
			Priority:    opts.Priority,
			AssigneeID:  opts.AssigneeID,
			CreatedAt:   now,
			CreatedBy:   actor,
		}
		if t.DueDate.Before(now) {
			t.Status = domain.TaskOverdue
		}
		if err := rr.InsertTask(ctx, t); err != nil {
			return err
		}
		if d.NextActivityAt == nil || t.DueDate.Before(*d.NextActivityAt) {
			due := t.DueDate
			d.NextActivityAt = &due
			d.NextActivityType = string(t.Type)
			d.UpdatedAt = now
			if err := rr.UpdateDeal(ctx, d); err != nil {
				return err
			}
		}
		return e.emit(ctx, tx, events.DealTaskCreated, d.TenantID, "deal", d.ID, opts.ActorID, events.EventPayload{
			"dealId":  d.ID,
			"taskId":  t.ID,
			"dueDate": t.DueDate,
			"status":  t.Status,
		})
	})
	if err != nil {
		return domain.DealTask{}, err
	}
	return t, nil
}

// ListTasks returns a deal's tasks ordered by due date.
func (e Engine) ListTasks(ctx context.Context, dealID string) (res []domain.DealTask, err error) {
	defer observe("task.list", time.Now(), &err)
	if _, err = e.Repo.GetDeal(ctx, dealID); err != nil {
		return nil, lookup(err, "deal", dealID)
	}
	return e.Repo.ListTasks(ctx, dealID)
}

func (e Engine) GetTask(ctx context.Context, id string) (t domain.DealTask, err error) {
	defer observe("task.get", time.Now(), &err)
	t, err = e.Repo.GetTask(ctx, id)
	return t, lookup(err, "task", id)
}

// CompleteTask marks a task done and logs it on the deal timeline.
// Completing an already completed task returns it unchanged.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.DealTask, error) {
	var t domain.DealTask
	err := e.inTx(ctx, "task.complete", func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if t, err = rr.GetTask(ctx, taskID); err != nil {
			return lookup(err, "task", taskID)
		}
		if t.Status == domain.TaskCompleted {
			return nil
		}
		d, err := rr.GetDeal(ctx, t.DealID)
		if err != nil {
			return lookup(err, "deal", t.DealID)
		}
		now := e.now()
		t.Status = domain.TaskCompleted
		t.CompletedAt = &now
		if err := rr.UpdateTaskStatus(ctx, t.ID, t.Status, t.CompletedAt); err != nil {
			return err
		}
		if _, err := e.appendActivity(ctx, rr, &d, now, domain.ActivityTask, "Completed task: "+t.Title,
			map[string]any{"taskId": t.ID}, actorID); err != nil {
			return err
		}
		if err := e.refreshNextActivity(ctx, rr, &d); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.DealTaskCompleted, d.TenantID, "deal", d.ID, actorID, events.EventPayload{
			"dealId": d.ID,
			"taskId": t.ID,
		})
	})
	if err != nil {
		return domain.DealTask{}, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	return e.inTx(ctx, "task.delete", func(tx *sql.Tx, rr repo.Repo) error {
		t, err := rr.GetTask(ctx, taskID)
		if err != nil {
			return lookup(err, "task", taskID)
		}
		d, err := rr.GetDeal(ctx, t.DealID)
		if err != nil {
			return lookup(err, "deal", t.DealID)
		}
		if err := rr.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
		if err := e.refreshNextActivity(ctx, rr, &d); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.DealTaskDeleted, d.TenantID, "deal", d.ID, actorID, events.EventPayload{
			"dealId": d.ID,
			"taskId": t.ID,
		})
	})
}

// refreshNextActivity points the deal at its earliest pending task, or clears
// the next activity when none is left, and stores the deal.
func (e Engine) refreshNextActivity(ctx context.Context, rr repo.Repo, d *domain.Deal) error {
	next, err := rr.NextPendingTask(ctx, d.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		d.NextActivityAt = nil
		d.NextActivityType = ""
	case err != nil:
		return err
	default:
		due := next.DueDate
		d.NextActivityAt = &due
		d.NextActivityType = string(next.Type)
	}
	d.UpdatedAt = e.now()
	return rr.UpdateDeal(ctx, *d)
}
