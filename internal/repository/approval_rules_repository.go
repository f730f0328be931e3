package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/database"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
)

// HierarchyRepository persists approval hierarchies in approval_hierarchies.
// Rules are stored as a JSONB array in list order.
type HierarchyRepository struct {
	db *database.DB
}

// NewHierarchyRepository creates a new HierarchyRepository.
func NewHierarchyRepository(db *database.DB) *HierarchyRepository {
	return &HierarchyRepository{db: db}
}

// Create inserts a hierarchy. When it is active every other hierarchy is
// deactivated in the same transaction.
func (r *HierarchyRepository) Create(ctx context.Context, h *ApprovalHierarchy) error {
	rulesJSON, err := json.Marshal(h.Rules)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval rules")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if h.Active {
			if _, err := tx.Exec(ctx, `UPDATE approval_hierarchies SET is_active = FALSE WHERE is_active`); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate approval hierarchies")
			}
		}

		query := `
			INSERT INTO approval_hierarchies
			    (id, name, description, rules, is_active, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err := tx.Exec(ctx, query,
			h.ID,
			h.Name,
			h.Description,
			rulesJSON,
			h.Active,
			h.CreatedBy,
			h.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval hierarchy")
		}
		return nil
	})
}

// List returns every hierarchy, oldest first.
func (r *HierarchyRepository) List(ctx context.Context) ([]*ApprovalHierarchy, error) {
	query := `
		SELECT id, name, description, rules, is_active, created_by, created_at
		FROM approval_hierarchies
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval hierarchies")
	}
	defer rows.Close()

	var hierarchies []*ApprovalHierarchy
	for rows.Next() {
		h, err := r.scanHierarchy(rows)
		if err != nil {
			return nil, err
		}
		hierarchies = append(hierarchies, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval hierarchies")
	}
	return hierarchies, nil
}

// Activate makes id the only active hierarchy.
func (r *HierarchyRepository) Activate(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var found bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_hierarchies WHERE id = $1)`, id).Scan(&found); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval hierarchy")
		}
		if !found {
			return errors.NotFound("approval_hierarchy", id)
		}

		if _, err := tx.Exec(ctx, `UPDATE approval_hierarchies SET is_active = (id = $1)`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate approval hierarchy")
		}
		return nil
	})
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *HierarchyRepository) scanHierarchy(row rowScanner) (*ApprovalHierarchy, error) {
	h := &ApprovalHierarchy{}
	var rulesJSON []byte
	var description, createdBy *string

	err := row.Scan(
		&h.ID,
		&h.Name,
		&description,
		&rulesJSON,
		&h.Active,
		&createdBy,
		&h.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval hierarchy")
	}
	if description != nil {
		h.Description = *description
	}
	if createdBy != nil {
		h.CreatedBy = *createdBy
	}

	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &h.Rules); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval rules")
		}
	}
	return h, nil
}
