package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/database"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
)

// TaskRepository reads task snapshots from pm_tasks and writes back the
// approval document, status and start date. The approval request lives in
// the approval JSONB column of its task.
type TaskRepository struct {
	db *database.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *database.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `
	id, title, priority, estimated_value, tags, project_id, requester_id,
	status, start_date, approval, updated_at
`

// GetTask retrieves a task by id. It returns nil, nil when missing; ids that
// are not UUIDs can never match.
func (r *TaskRepository) GetTask(ctx context.Context, id string) (*Task, error) {
	if uuid.Validate(id) != nil {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM pm_tasks WHERE id = $1`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// UpdateTask applies the non-nil fields of update.
func (r *TaskRepository) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	if uuid.Validate(id) != nil {
		return errors.NotFound("task", id)
	}
	var approvalJSON []byte
	if update.Approval != nil {
		var err error
		approvalJSON, err = json.Marshal(update.Approval)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval request")
		}
	}
	var status *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}

	query := `
		UPDATE pm_tasks
		SET approval   = COALESCE($2::jsonb, approval),
		    status     = COALESCE($3, status),
		    start_date = COALESCE($4, start_date),
		    updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, approvalJSON, status, update.StartDate)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update task")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}

// GetTaskByApprovalID finds the task owning the request. It returns nil, nil
// when no task carries that request.
func (r *TaskRepository) GetTaskByApprovalID(ctx context.Context, requestID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM pm_tasks WHERE approval->>'id' = $1`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// ListTasksWithPendingApproval returns tasks whose request is still pending.
func (r *TaskRepository) ListTasksWithPendingApproval(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM pm_tasks
		WHERE approval->>'status' = 'pending'
		ORDER BY approval->>'createdAt' ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list tasks with pending approval")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate tasks")
	}
	return tasks, nil
}

func (r *TaskRepository) scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var priority, status string
	var approvalJSON []byte

	err := row.Scan(
		&task.ID,
		&task.Title,
		&priority,
		&task.EstimatedValue,
		&task.Tags,
		&task.ProjectID,
		&task.RequesterID,
		&status,
		&task.StartDate,
		&approvalJSON,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan task")
	}
	task.Priority = Priority(priority)
	task.Status = TaskStatus(status)

	if len(approvalJSON) > 0 {
		task.Approval = &ApprovalRequest{}
		if err := json.Unmarshal(approvalJSON, task.Approval); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval request")
		}
	}
	return task, nil
}
