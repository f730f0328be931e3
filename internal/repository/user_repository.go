package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/database"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
)

// UserRepository reads the directory from pm_users.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, role, manager_id, department, approval_limit, deactivated`

// GetUsers returns the directory in a stable order.
func (r *UserRepository) GetUsers(ctx context.Context) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM pm_users ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate users")
	}
	return users, nil
}

// GetUser returns nil, nil when id is unknown.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*User, error) {
	if uuid.Validate(id) != nil {
		return nil, nil
	}
	query := `SELECT ` + userColumns + ` FROM pm_users WHERE id = $1`

	u, err := r.scanUser(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (r *UserRepository) scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var role string
	var email, name *string

	err := row.Scan(
		&u.ID,
		&email,
		&name,
		&role,
		&u.ManagerID,
		&u.Department,
		&u.ApprovalLimit,
		&u.Deactivated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
	}
	u.Role = Role(role)
	if email != nil {
		u.Email = *email
	}
	if name != nil {
		u.Name = *name
	}
	return u, nil
}
