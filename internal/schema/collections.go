package schema

import (
	"fmt"
	"time"
)

// Collection names inside the logical store.
const (
	CollectionPersonnel   = "personnel"
	CollectionAssessments = "assessments"
	CollectionAttendance  = "attendance"
	CollectionRequests    = "requests"
	CollectionSettings    = "settings"
)

// CollectionDef describes a collection's key policy and the schema version
// that introduced it. The key policy is fixed at creation and never changes
// across versions.
type CollectionDef struct {
	Name     string
	KeyField string // empty for auto-increment surrogate keys
	AutoKey  bool
	Version  int // schema version that creates this collection
}

// Registry lists every collection in creation-version order.
// New collections are appended under a new version; existing entries are
// never altered.
var Registry = []CollectionDef{
	{Name: CollectionPersonnel, KeyField: "id", Version: 1},
	{Name: CollectionAssessments, KeyField: "year_month", Version: 1},
	{Name: CollectionSettings, KeyField: "key", Version: 1},
	{Name: CollectionAttendance, KeyField: "month", Version: 2},
	{Name: CollectionRequests, AutoKey: true, Version: 3},
}

// TargetSchemaVersion is the version this build opens the store at.
const TargetSchemaVersion = 3

// AssessmentEntry is one person's score inside a monthly assessment sheet.
type AssessmentEntry struct {
	PersonID string  `json:"person_id"`
	Score    float64 `json:"score"`
	Grade    string  `json:"grade,omitempty"`
	Remark   string  `json:"remark,omitempty"`
}

// AssessmentSheet holds all assessment entries for one year-month.
type AssessmentSheet struct {
	YearMonth string            `json:"year_month"` // "2026-08"
	Entries   []AssessmentEntry `json:"entries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AttendanceEntry is one person's attendance totals for a month.
type AttendanceEntry struct {
	PersonID    string `json:"person_id"`
	DaysPresent int    `json:"days_present"`
	DaysAbsent  int    `json:"days_absent"`
	DaysLeave   int    `json:"days_leave,omitempty"`
}

// AttendanceMonth is the monthly attendance snapshot for all personnel.
type AttendanceMonth struct {
	Month     string            `json:"month"` // "2026-08"
	Entries   []AttendanceEntry `json:"entries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Request is an application request record. Its key is an auto-incrementing
// surrogate assigned by the store on first save.
type Request struct {
	ID          string    `json:"id,omitempty"` // store-assigned surrogate
	PersonID    string    `json:"person_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Note        string    `json:"note,omitempty"`
}

// Database is the whole logical database as one in-memory value.
// Maps are keyed by each collection's key field.
type Database struct {
	Personnel   map[string]*Personnel       `json:"personnel"`
	Assessments map[string]*AssessmentSheet `json:"assessments"`
	Attendance  map[string]*AttendanceMonth `json:"attendance"`
	Requests    map[string]*Request         `json:"requests"`
	Settings    map[string]string           `json:"settings"`
}

// NewDatabase returns an empty database with all collections allocated.
func NewDatabase() *Database {
	return &Database{
		Personnel:   make(map[string]*Personnel),
		Assessments: make(map[string]*AssessmentSheet),
		Attendance:  make(map[string]*AttendanceMonth),
		Requests:    make(map[string]*Request),
		Settings:    make(map[string]string),
	}
}

// Normalize allocates any nil collection maps. Useful after unmarshaling
// payloads that omit empty collections.
func (d *Database) Normalize() {
	if d.Personnel == nil {
		d.Personnel = make(map[string]*Personnel)
	}
	if d.Assessments == nil {
		d.Assessments = make(map[string]*AssessmentSheet)
	}
	if d.Attendance == nil {
		d.Attendance = make(map[string]*AttendanceMonth)
	}
	if d.Requests == nil {
		d.Requests = make(map[string]*Request)
	}
	if d.Settings == nil {
		d.Settings = make(map[string]string)
	}
}

// PersonnelList returns the canonical entities in no particular order.
func (d *Database) PersonnelList() []*Personnel {
	out := make([]*Personnel, 0, len(d.Personnel))
	for _, p := range d.Personnel {
		out = append(out, p)
	}
	return out
}

// Validate checks cross-collection consistency: every entry that references
// a person must reference one that exists.
func (d *Database) Validate() error {
	for id, p := range d.Personnel {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("personnel %s: %w", id, err)
		}
		if p.ID != id {
			return fmt.Errorf("personnel %s: map key does not match id %s", id, p.ID)
		}
	}
	for ym, sheet := range d.Assessments {
		for _, e := range sheet.Entries {
			if _, ok := d.Personnel[e.PersonID]; !ok {
				return fmt.Errorf("assessment %s references unknown person %s", ym, e.PersonID)
			}
		}
	}
	for m, month := range d.Attendance {
		for _, e := range month.Entries {
			if _, ok := d.Personnel[e.PersonID]; !ok {
				return fmt.Errorf("attendance %s references unknown person %s", m, e.PersonID)
			}
		}
	}
	return nil
}
