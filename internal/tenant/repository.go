package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed tenant lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns an active tenant with its policy.
func (r *Repository) Get(ctx context.Context, id int64) (Tenant, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx, `SELECT id, name, is_active, approval_levels, auto_approve_employee,
	validity_employee_hours, validity_visitor_hours, validity_vehicle_hours, validity_material_hours
FROM tenants WHERE id=$1 AND is_active`, id).Scan(
		&t.ID, &t.Name, &t.IsActive,
		&t.Policy.ApprovalLevels, &t.Policy.AutoApproveEmployee,
		&t.Policy.ValidityHours.Employee, &t.Policy.ValidityHours.Visitor,
		&t.Policy.ValidityHours.Vehicle, &t.Policy.ValidityHours.Material)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	return t, nil
}

// PolicyFor returns the workflow policy of an active tenant.
func (r *Repository) PolicyFor(ctx context.Context, tenantID int64) (Policy, error) {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return Policy{}, err
	}
	return t.Policy, nil
}

// Approvers lists active users holding the approver capability for the tenant.
// The pool is looked up per approval round; level-specific approver assignment
// is not modelled.
func (r *Repository) Approvers(ctx context.Context, tenantID int64) ([]Approver, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, email FROM tenant_users
WHERE tenant_id=$1 AND is_active AND 'pass.approve' = ANY(capabilities) ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvers []Approver
	for rows.Next() {
		var a Approver
		if err := rows.Scan(&a.ID, &a.Name, &a.Email); err != nil {
			return nil, err
		}
		approvers = append(approvers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, ErrNoApprovers
	}
	return approvers, nil
}

// Requester returns contact details for a tenant user.
func (r *Repository) Requester(ctx context.Context, tenantID, userID int64) (Requester, error) {
	var req Requester
	err := r.pool.QueryRow(ctx, `SELECT id, name, email FROM tenant_users
WHERE tenant_id=$1 AND id=$2`, tenantID, userID).Scan(&req.ID, &req.Name, &req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requester{}, ErrNotFound
		}
		return Requester{}, err
	}
	return req, nil
}
