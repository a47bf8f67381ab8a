package pass

import (
	"errors"
	"time"
)

// Status enumerates the pass lifecycle states. Transitions happen only through
// the service and repository compare-and-swap operations, never by direct
// assignment.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
	StatusActive     Status = "Active"
	StatusCheckedOut Status = "CheckedOut"
	StatusExpired    Status = "Expired"
	StatusCancelled  Status = "Cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExpired || s == StatusCancelled
}

// Enterable reports whether a pass in this status may be presented at a gate.
// CheckedOut is included so re-entry after a prior checkout is allowed.
func (s Status) Enterable() bool {
	return s == StatusApproved || s == StatusActive || s == StatusCheckedOut
}

// Type discriminates the pass variants.
type Type string

const (
	TypeEmployee Type = "Employee"
	TypeVisitor  Type = "Visitor"
	TypeVehicle  Type = "Vehicle"
	TypeMaterial Type = "Material"
)

// Prefix returns the pass-number fragment for the type.
func (t Type) Prefix() string {
	switch t {
	case TypeEmployee:
		return "EMP"
	case TypeVisitor:
		return "VIS"
	case TypeVehicle:
		return "VEH"
	case TypeMaterial:
		return "MAT"
	default:
		return "GP"
	}
}

// Valid reports whether t is a known pass type.
func (t Type) Valid() bool {
	switch t {
	case TypeEmployee, TypeVisitor, TypeVehicle, TypeMaterial:
		return true
	}
	return false
}

// Pass is the central entity: a time-boxed access authorization of a given
// type, owned by the approval workflow until terminal or until the gate
// ledger takes over the Active/CheckedOut cycle.
type Pass struct {
	ID        int64
	Number    string
	Type      Type
	TenantID  int64
	SiteID    string
	Requester int64
	HostID    int64
	Status    Status
	Purpose   string
	Remarks   string
	ValidFrom time.Time
	ValidTo   time.Time

	ApprovalLevel  int
	RequiredLevels int
	Decisions      []Decision
	Rejection      *Rejection

	Credential *Credential
	Details    Details

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decision is one approval record in the ordered decision list.
type Decision struct {
	ApproverID   int64
	ApproverName string
	Level        int
	Remarks      string
	DecidedAt    time.Time
}

// Rejection records the single rejecting decision, when present.
type Rejection struct {
	ApproverID   int64
	ApproverName string
	Remarks      string
	RejectedAt   time.Time
}

// Credential holds the signed token and its rendered QR artifact, present
// once the pass has first reached Approved.
type Credential struct {
	Token    string
	Image    []byte
	IssuedAt time.Time
}

// Details is the variant payload keyed by Pass.Type: exactly the pointer
// matching the type is set.
type Details struct {
	Employee *EmployeeDetails `json:"employee,omitempty"`
	Visitor  *VisitorDetails  `json:"visitor,omitempty"`
	Vehicle  *VehicleDetails  `json:"vehicle,omitempty"`
	Material *MaterialDetails `json:"material,omitempty"`
}

// EmployeeDetails carries the employee variant payload.
type EmployeeDetails struct {
	EmployeeID string `json:"employeeId"`
	Kind       string `json:"kind"` // OnDuty, ShortExit, LateEntry
}

// VisitorDetails carries the visitor variant payload.
type VisitorDetails struct {
	Persons   []Person `json:"persons"`
	NumPeople int      `json:"numPeople"`
}

// Person describes one visiting individual.
type Person struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Company  string `json:"company,omitempty"`
	IDType   string `json:"idType,omitempty"`
	IDNumber string `json:"idNumber,omitempty"`
}

// VehicleDetails carries the vehicle variant payload.
type VehicleDetails struct {
	VehicleNumber string `json:"vehicleNumber"`
	VehicleType   string `json:"vehicleType"`
	DriverName    string `json:"driverName"`
	DriverPhone   string `json:"driverPhone"`
	DriverLicense string `json:"driverLicense,omitempty"`
}

// MaterialDetails carries the material variant payload.
type MaterialDetails struct {
	Items []MaterialItem `json:"items"`
}

// MaterialItem is one line of a material pass.
type MaterialItem struct {
	ItemName   string `json:"itemName"`
	Quantity   int    `json:"quantity"`
	SerialTag  string `json:"serialTag,omitempty"`
	Returnable bool   `json:"returnable"`
	Receiver   string `json:"receiver,omitempty"`
	Department string `json:"department,omitempty"`
}

var (
	// ErrNotFound indicates the pass does not exist.
	ErrNotFound = errors.New("pass: not found")
	// ErrInvalidState occurs when an operation is illegal for the current
	// status, including the losing side of a concurrent decision.
	ErrInvalidState = errors.New("pass: invalid state transition")
	// ErrValidation indicates malformed input that never reaches the state
	// machine.
	ErrValidation = errors.New("pass: invalid input")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("pass: forbidden")
)
