package attendance

import (
	"math"
	"time"

	"github.com/trezcool/mahudhurio/core"
)

// Session types
const (
	TypeQuick     = "quick"
	TypeScheduled = "scheduled"
)

// Session states. `in-progress` is the only non-terminal state.
const (
	StateInProgress = "in-progress"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
)

// Student record statuses
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
	StatusExcused = "excused"
)

var (
	SessionTypes  = []string{TypeQuick, TypeScheduled}
	SessionStates = []string{StateInProgress, StateCompleted, StateCancelled}
	Statuses      = []string{StatusPresent, StatusAbsent, StatusLate, StatusExcused}
)

// StudentRecord is one student's live status within one session.
// Unique per (session, student); defaults to absent until explicitly marked.
type StudentRecord struct {
	SessionID string     `json:"session_id"`
	StudentID string     `json:"student_id"`
	Status    string     `json:"status"`
	MarkedAt  *time.Time `json:"marked_at,omitempty"` // UTC; nil until first marked
	Notes     string     `json:"notes,omitempty"`
}

// HistoryRecord is the durable copy of a student's status within one session.
// It outlives session mutation and is the source of truth for statistics.
type HistoryRecord struct {
	StudentID string    `json:"student_id"`
	SessionID string    `json:"session_id"`
	ClassID   string    `json:"class_id"`
	Status    string    `json:"status"`
	MarkedAt  time.Time `json:"marked_at"` // UTC
	Notes     string    `json:"notes,omitempty"`
}

// StatusCounts is a per-student tally of history records grouped by status.
type StatusCounts struct {
	Sessions int
	Present  int
	Absent   int
	Late     int
	Excused  int
}

// Totals are the cached per-session counters, recomputed from Records on every
// roster mutation.
type Totals struct {
	Students   int `json:"total_students"`
	Present    int `json:"present"`
	Absent     int `json:"absent"`
	Late       int `json:"late"`
	Excused    int `json:"excused"`
	Percentage int `json:"percentage"`
}

type Session struct {
	ID              string          `json:"id"`
	ClassID         string          `json:"class_id"`
	OwnerID         string          `json:"owner_id"`
	Type            string          `json:"type"`
	State           string          `json:"state"`
	AttendanceDate  time.Time       `json:"attendance_date"`         // UTC
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"` // UTC; scheduled sessions only
	StartedAt       time.Time       `json:"started_at"`              // UTC
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`   // UTC
	DurationMinutes int             `json:"duration_minutes"`
	Location        string          `json:"location,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Records         []StudentRecord `json:"records"`
	Totals          Totals          `json:"totals"`
	CreatedAt       time.Time       `json:"created_at"` // UTC
	UpdatedAt       time.Time       `json:"updated_at"` // UTC
}

// Record returns this session's record for the given student, if any.
func (s *Session) Record(studentID string) (StudentRecord, bool) {
	for _, rec := range s.Records {
		if rec.StudentID == studentID {
			return rec, true
		}
	}
	return StudentRecord{}, false
}

// StudentIDs returns the ids of all students on this session's roster.
func (s *Session) StudentIDs() []string {
	ids := make([]string, 0, len(s.Records))
	for _, rec := range s.Records {
		ids = append(ids, rec.StudentID)
	}
	return ids
}

// RecomputeTotals re-derives the cached counters from Records.
// Percentage is round(present/students*100), 0 for an empty roster.
func (s *Session) RecomputeTotals() {
	totals := Totals{Students: len(s.Records)}
	for _, rec := range s.Records {
		switch rec.Status {
		case StatusPresent:
			totals.Present++
		case StatusAbsent:
			totals.Absent++
		case StatusLate:
			totals.Late++
		case StatusExcused:
			totals.Excused++
		}
	}
	if totals.Students > 0 {
		totals.Percentage = int(math.Round(float64(totals.Present) / float64(totals.Students) * 100))
	}
	s.Totals = totals
}

// NewSession contains information needed to open a new Session.
type NewSession struct {
	ClassID        string     `json:"class_id" validate:"required"`
	Type           string     `json:"type" validate:"required,sessiontype"`
	AttendanceDate *time.Time `json:"attendance_date"`
	ScheduledFor   *time.Time `json:"scheduled_for"`
	Location       string     `json:"location"`
	Notes          string     `json:"notes"`
}

func (ns *NewSession) Validate() error {
	ns.Location = core.CleanString(ns.Location)
	ns.Notes = core.CleanString(ns.Notes)
	return core.Validate.Struct(ns)
}

// MarkStudent is one status update within a session.
type MarkStudent struct {
	StudentID string `json:"student_id" validate:"required"`
	Status    string `json:"status" validate:"required,attstatus"`
	Notes     string `json:"notes"`
}

func (ms *MarkStudent) Validate() error {
	ms.Notes = core.CleanString(ms.Notes)
	return core.Validate.Struct(ms)
}

// UpdateSession defines the mutable session fields. State may be force-set to
// any valid value regardless of the current state: an administrative override
// that deliberately bypasses the transition guards.
type UpdateSession struct {
	AttendanceDate *time.Time `json:"attendance_date"`
	ScheduledFor   *time.Time `json:"scheduled_for"`
	Location       *string    `json:"location"`
	Notes          *string    `json:"notes"`
	State          string     `json:"state" validate:"omitempty,sessionstate"`
}

func (us *UpdateSession) Validate() error {
	if us.Location != nil {
		loc := core.CleanString(*us.Location)
		us.Location = &loc
	}
	if us.Notes != nil {
		notes := core.CleanString(*us.Notes)
		us.Notes = &notes
	}
	return core.Validate.Struct(us)
}

// RemovalResult reports the outcome of a bulk record removal.
type RemovalResult struct {
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
}

type QueryFilter struct {
	ClassID string `query:"class"`
	OwnerID string `query:"owner"`
	State   string `query:"state"`
	Type    string `query:"type"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.ClassID == "" && qf.OwnerID == "" && qf.State == "" && qf.Type == ""
}
