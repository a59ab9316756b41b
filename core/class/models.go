package class

import (
	"time"

	"github.com/trezcool/mahudhurio/core"
)

// Enrollment states. One entry exists per (class, student) pair; `pending`
// awaits the student, `requested` awaits the teacher.
const (
	StatePending   = "pending"   // teacher invited, student has not accepted yet
	StateRequested = "requested" // student requested, teacher has not approved yet
	StateAccepted  = "accepted"
)

var EnrollmentStates = []string{StatePending, StateRequested, StateAccepted}

type EnrollmentEntry struct {
	ClassID    string     `json:"class_id"`
	StudentID  string     `json:"student_id"`
	State      string     `json:"state"`
	EnrolledAt *time.Time `json:"enrolled_at,omitempty"` // set once accepted; UTC
	CreatedAt  time.Time  `json:"created_at"`            // UTC
	UpdatedAt  time.Time  `json:"updated_at"`            // UTC
}

type Class struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Subject   string            `json:"subject"`
	OwnerID   string            `json:"owner_id"`
	Entries   []EnrollmentEntry `json:"entries"`
	CreatedAt time.Time         `json:"created_at"` // UTC
	UpdatedAt time.Time         `json:"updated_at"` // UTC
}

// Entry returns this class's enrollment entry for the given student, if any.
func (c *Class) Entry(studentID string) (EnrollmentEntry, bool) {
	for _, entry := range c.Entries {
		if entry.StudentID == studentID {
			return entry, true
		}
	}
	return EnrollmentEntry{}, false
}

// AcceptedStudentIDs returns the ids of all students with an accepted entry.
func (c *Class) AcceptedStudentIDs() []string {
	ids := make([]string, 0, len(c.Entries))
	for _, entry := range c.Entries {
		if entry.State == StateAccepted {
			ids = append(ids, entry.StudentID)
		}
	}
	return ids
}

// EntryCounts holds per-state entry tallies for one class.
type EntryCounts struct {
	Pending   int `json:"pending"`
	Requested int `json:"requested"`
	Accepted  int `json:"accepted"`
}

func (ec EntryCounts) Total() int { return ec.Pending + ec.Requested + ec.Accepted }

// CountEntries tallies this class's entries by state.
func (c *Class) CountEntries() EntryCounts {
	var counts EntryCounts
	for _, entry := range c.Entries {
		switch entry.State {
		case StatePending:
			counts.Pending++
		case StateRequested:
			counts.Requested++
		case StateAccepted:
			counts.Accepted++
		}
	}
	return counts
}

// NewClass contains information needed to create a new Class.
type NewClass struct {
	Name    string `json:"name" validate:"required"`
	Subject string `json:"subject" validate:"required"`
}

func (nc *NewClass) Validate() error {
	nc.Name = core.CleanString(nc.Name)
	nc.Subject = core.CleanString(nc.Subject)
	return core.Validate.Struct(nc)
}

// UpdateClass defines what information may be provided to modify an existing Class.
type UpdateClass struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
}

func (uc *UpdateClass) Validate(origCls Class) error {
	name := core.CleanString(uc.Name)
	if name != "" {
		uc.Name = name
	} else {
		uc.Name = origCls.Name
	}

	subject := core.CleanString(uc.Subject)
	if subject != "" {
		uc.Subject = subject
	} else {
		uc.Subject = origCls.Subject
	}
	return core.Validate.Struct(uc)
}

type QueryFilter struct {
	Search  string `query:"search"`
	Subject string `query:"subject"`
	OwnerID string `query:"owner"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Subject == "" && qf.OwnerID == ""
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Subject = core.CleanString(qf.Subject)
}
