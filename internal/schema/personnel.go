// Package schema provides the record shapes held by the versioned object
// store: the canonical personnel entity, the per-collection record types,
// the whole-database aggregate, and the snapshot and sync envelope formats.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// PersonStatus is the closed set of personnel lifecycle states.
type PersonStatus string

const (
	StatusActive      PersonStatus = "active"
	StatusLeave       PersonStatus = "leave"
	StatusTransferred PersonStatus = "transferred"
	StatusTerminated  PersonStatus = "terminated"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s PersonStatus) bool {
	switch s {
	case StatusActive, StatusLeave, StatusTransferred, StatusTerminated:
		return true
	}
	return false
}

// Personnel is the canonical identity record.
//
// ID is opaque, assigned once at creation and never reused; it is the only
// value other collections should reference. EmployeeID, Name and Department
// are mutable business attributes (people transfer between departments,
// employee ids get re-typed across data sources) and are therefore unsafe
// as foreign keys over time.
type Personnel struct {
	ID         string       `json:"id"`
	EmployeeID string       `json:"employee_id,omitempty"`
	Name       string       `json:"name"`
	Department string       `json:"department,omitempty"`
	Status     PersonStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// NewPersonnel creates a canonical entity with a freshly assigned internal id.
func NewPersonnel(name, department, employeeID string) *Personnel {
	now := time.Now().UTC()
	return &Personnel{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		Name:       name,
		Department: department,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks the entity's field values.
func (p *Personnel) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !ValidStatus(p.Status) {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Personnel) SetDefaults() {
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}

// ExternalRecord is a personnel reference arriving from an import or backup.
// It has no guaranteed internal id; it may carry only a name/department
// composite, or an identifier embedded inside an unrelated string.
type ExternalRecord struct {
	InternalID   string       `json:"id,omitempty"`
	EmployeeID   string       `json:"employee_id,omitempty"`
	Name         string       `json:"name,omitempty"`
	Department   string       `json:"department,omitempty"`
	Status       PersonStatus `json:"status,omitempty"`
	CompositeRef string       `json:"ref,omitempty"`
}

// ReadPersonnelFile reads and validates a personnel JSON file.
// Used by tooling that exchanges single-entity files.
func ReadPersonnelFile(path string) (*Personnel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read personnel file %s: %w", path, err)
	}
	var p Personnel
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse personnel file %s: %w", path, err)
	}
	p.SetDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid personnel file %s: %w", path, err)
	}
	return &p, nil
}
