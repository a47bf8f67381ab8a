// Package tenant supplies tenant policy and approver lookups to the pass
// workflow. Policies are snapshotted onto a pass at submission time; later
// policy edits never alter an in-flight pass.
package tenant

import "errors"

// Policy holds the workflow settings of a tenant.
type Policy struct {
	ApprovalLevels      int
	AutoApproveEmployee bool
	ValidityHours       ValidityHours
}

// ValidityHours carries the default validity window length per pass type.
type ValidityHours struct {
	Employee int
	Visitor  int
	Vehicle  int
	Material int
}

// Tenant describes an organisation with sites and gates.
type Tenant struct {
	ID       int64
	Name     string
	IsActive bool
	Policy   Policy
}

// Approver is an active user holding the approver capability for a tenant.
type Approver struct {
	ID    int64
	Name  string
	Email string
}

// Requester mirrors the contact fields needed for status notifications.
type Requester struct {
	ID    int64
	Name  string
	Email string
}

var (
	// ErrNotFound indicates the tenant does not exist or is inactive.
	ErrNotFound = errors.New("tenant: not found")
	// ErrNoApprovers indicates no active approver exists for the tenant.
	ErrNoApprovers = errors.New("tenant: no active approvers")
)
