package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/database"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Append inserts one audit entry. The table rejects updates and deletes, so
// this is the only mutation exposed.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *ApprovalAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (task_id, request_id, action, performed_by,
		     status_before, status_after, metadata, performed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, COALESCE($8, NOW()))
		RETURNING id, performed_at
	`

	var performedAt any
	if !entry.PerformedAt.IsZero() {
		performedAt = entry.PerformedAt
	}

	err := r.db.QueryRow(ctx, query,
		entry.TaskID,
		entry.RequestID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
		performedAt,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// GetByTaskID returns the full audit trail for a task ordered oldest-first.
func (r *ApprovalAuditRepository) GetByTaskID(ctx context.Context, taskID string) ([]*ApprovalAuditEntry, error) {
	if uuid.Validate(taskID) != nil {
		return []*ApprovalAuditEntry{}, nil
	}
	query := `
		SELECT id, task_id, request_id, action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM approval_audit_log
		WHERE task_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByRequestID returns all audit entries for one approval request.
func (r *ApprovalAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*ApprovalAuditEntry, error) {
	if uuid.Validate(requestID) != nil {
		return []*ApprovalAuditEntry{}, nil
	}
	query := `
		SELECT id, task_id, request_id, action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanRows(rows pgx.Rows) ([]*ApprovalAuditEntry, error) {
	entries := make([]*ApprovalAuditEntry, 0)
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit log")
	}
	return entries, nil
}

func (r *ApprovalAuditRepository) scanEntry(sc rowScanner) (*ApprovalAuditEntry, error) {
	entry := &ApprovalAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.TaskID,
		&entry.RequestID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
