package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/class"
)

var (
	NowFunc = func() time.Time { return time.Now().UTC() } // mockable

	// errors
	ErrSessionNotFound = errors.New("attendance session not found")
	ErrRecordNotFound  = errors.New("student record not found in this session")

	errNotOwner        = errors.New("only the session owner may do this")
	errSessionActive   = errors.New("class already has a session in progress")
	errNotInProgress   = errors.New("session is not in progress")
	errNoAccepted      = errors.New("class has no accepted students")
	errMissingSchedule = errors.New("scheduled_for is required for scheduled sessions")
	errNotScheduled    = errors.New("scheduled_for only applies to scheduled sessions")
)

type (
	Repository interface {
		// CreateSession inserts the session along with its snapshotted records.
		CreateSession(ctx context.Context, s Session) (Session, error)
		// GetSessionByID returns the session with all its student records.
		GetSessionByID(ctx context.Context, id string) (Session, error)
		// GetInProgressSessionByClass returns ErrSessionNotFound when the class
		// has no in-progress session.
		GetInProgressSessionByClass(ctx context.Context, classID string) (Session, error)
		FilterSessions(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Session, error)
		QuerySessionsByClass(ctx context.Context, classIDs ...string) ([]Session, error)
		// UpdateSession persists session fields and cached totals, not records.
		UpdateSession(ctx context.Context, s Session) (Session, error)
		// DeleteSessionsByID also drops all student records of each session.
		DeleteSessionsByID(ctx context.Context, ids ...string) error

		// UpsertStudentRecord inserts or overwrites the record keyed by
		// (session, student). Safe to retry.
		UpsertStudentRecord(ctx context.Context, rec StudentRecord) (StudentRecord, error)
		// DeleteStudentRecords drops the given students' records, returning how
		// many actually existed. Unknown ids are skipped.
		DeleteStudentRecords(ctx context.Context, sessionID string, studentIDs ...string) (int, error)
	}

	// HistoryRepository is the append-only-by-key durable store, one logical row
	// per (student, session). It survives session mutation and is the only
	// authoritative source for statistics.
	HistoryRepository interface {
		UpsertHistoryRecord(ctx context.Context, rec HistoryRecord) error
		DeleteHistoryRecords(ctx context.Context, sessionID string, studentIDs ...string) error
		DeleteHistoryBySession(ctx context.Context, sessionIDs ...string) error
		QueryHistoryByStudent(ctx context.Context, studentID string, ordering ...core.DBOrdering) ([]HistoryRecord, error)
		// AggregateStatusCounts tallies history rows per student in one pass.
		AggregateStatusCounts(ctx context.Context, studentIDs ...string) (map[string]StatusCounts, error)
	}

	// ClassDirectory resolves a class and its roster. Satisfied by class.Repository.
	ClassDirectory interface {
		GetClassByID(ctx context.Context, id string) (class.Class, error)
	}

	// StatsRecomputer refreshes cached per-student statistics. Satisfied by
	// stats.Aggregator. Invoked after completion; failures never fail the
	// primary operation.
	StatsRecomputer interface {
		BulkRecompute(ctx context.Context, studentIDs []string) error
	}

	Service struct {
		repo    Repository
		history HistoryRepository
		classes ClassDirectory
		stats   StatsRecomputer
		logger  core.Logger
	}
)

func NewService(
	repo Repository,
	history HistoryRepository,
	classes ClassDirectory,
	stats StatsRecomputer,
	logger core.Logger,
) *Service {
	return &Service{
		repo:    repo,
		history: history,
		classes: classes,
		stats:   stats,
		logger:  logger,
	}
}

// Open starts a new session for a class, snapshotting every accepted entry
// into a default-absent record. It fails while another session is in progress,
// while any invitation is still pending, or when nobody has accepted yet.
// Later roster changes to the class do not retroactively touch the snapshot.
func (svc *Service) Open(ctx context.Context, actorID string, ns NewSession) (Session, error) {
	if err := ns.Validate(); err != nil {
		return Session{}, err
	}
	if ns.Type == TypeScheduled && ns.ScheduledFor == nil {
		return Session{}, core.NewValidationError(errMissingSchedule)
	}
	if ns.Type != TypeScheduled && ns.ScheduledFor != nil {
		return Session{}, core.NewValidationError(errNotScheduled)
	}

	cls, err := svc.classes.GetClassByID(ctx, ns.ClassID)
	if err != nil {
		return Session{}, err
	}
	if cls.OwnerID != actorID {
		return Session{}, core.NewPermissionError(errNotOwner)
	}

	// At most one in-progress session per class. The storage layer backs this
	// check with a partial unique index; the lookup keeps the error friendly.
	if _, err = svc.repo.GetInProgressSessionByClass(ctx, ns.ClassID); err == nil {
		return Session{}, core.NewConflictError(errSessionActive)
	} else if err != ErrSessionNotFound {
		return Session{}, pkgerrors.Wrap(err, "checking for in-progress session")
	}

	counts := cls.CountEntries()
	if counts.Pending > 0 {
		return Session{}, core.NewValidationError(
			fmt.Errorf("cannot open a session while %d invitation(s) are pending", counts.Pending))
	}
	if counts.Accepted == 0 {
		return Session{}, core.NewValidationError(errNoAccepted)
	}

	now := NowFunc()
	attDate := now
	if ns.AttendanceDate != nil {
		attDate = ns.AttendanceDate.UTC()
	}

	s := Session{
		ClassID:        ns.ClassID,
		OwnerID:        actorID,
		Type:           ns.Type,
		State:          StateInProgress,
		AttendanceDate: attDate,
		ScheduledFor:   ns.ScheduledFor,
		StartedAt:      now,
		Location:       ns.Location,
		Notes:          ns.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, studentID := range cls.AcceptedStudentIDs() {
		s.Records = append(s.Records, StudentRecord{
			StudentID: studentID,
			Status:    StatusAbsent,
		})
	}
	s.RecomputeTotals()

	s, err = svc.repo.CreateSession(ctx, s)
	if err != nil {
		return Session{}, pkgerrors.Wrap(err, "creating session")
	}

	// Mirror the default-absent snapshot so history covers unmarked students too.
	for _, rec := range s.Records {
		svc.mirrorToHistory(ctx, s, rec)
	}
	return s, nil
}

func (svc *Service) GetByID(ctx context.Context, id string) (Session, error) {
	return svc.repo.GetSessionByID(ctx, id)
}

func (svc *Service) Filter(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Session, error) {
	return svc.repo.FilterSessions(ctx, filter, ordering...)
}

// StudentHistory reads a student's attendance trail from the durable history,
// not from live sessions, so it tolerates later session mutation or deletion.
func (svc *Service) StudentHistory(ctx context.Context, studentID string, ordering ...core.DBOrdering) ([]HistoryRecord, error) {
	return svc.history.QueryHistoryByStudent(ctx, studentID, ordering...)
}

// Mark upserts one student's status. Idempotent: re-marking overwrites
// status, notes and marked-at.
func (svc *Service) Mark(ctx context.Context, actorID, sessionID string, ms MarkStudent) (Session, error) {
	if err := ms.Validate(); err != nil {
		return Session{}, err
	}
	s, err := svc.getInProgressOwned(ctx, actorID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if _, ok := s.Record(ms.StudentID); !ok {
		return Session{}, ErrRecordNotFound
	}

	if err = svc.mark(ctx, &s, ms); err != nil {
		return Session{}, err
	}
	return svc.saveTotals(ctx, s)
}

// MarkBulk applies many status updates under the same guards as Mark.
// Students missing from the roster are skipped with a log line; marking
// cannot grow a session's snapshot.
func (svc *Service) MarkBulk(ctx context.Context, actorID, sessionID string, updates []MarkStudent) (Session, error) {
	for i := range updates {
		if err := updates[i].Validate(); err != nil {
			return Session{}, err
		}
	}
	s, err := svc.getInProgressOwned(ctx, actorID, sessionID)
	if err != nil {
		return Session{}, err
	}

	for _, ms := range updates {
		if _, ok := s.Record(ms.StudentID); !ok {
			svc.logger.Warn(fmt.Sprintf("session %s: skipping mark for unknown student %s", s.ID, ms.StudentID))
			continue
		}
		if err = svc.mark(ctx, &s, ms); err != nil {
			return Session{}, err
		}
	}
	return svc.saveTotals(ctx, s)
}

// RemoveStudent drops one student's record (and its history row) while the
// session is in progress.
func (svc *Service) RemoveStudent(ctx context.Context, actorID, sessionID, studentID string) (Session, error) {
	res, err := svc.RemoveStudents(ctx, actorID, sessionID, studentID)
	if err != nil {
		return Session{}, err
	}
	if res.Removed == 0 {
		return Session{}, ErrRecordNotFound
	}
	return svc.repo.GetSessionByID(ctx, sessionID)
}

// RemoveStudents drops the given students' records and history rows, reporting
// how many were removed vs. silently skipped.
func (svc *Service) RemoveStudents(ctx context.Context, actorID, sessionID string, studentIDs ...string) (RemovalResult, error) {
	s, err := svc.getInProgressOwned(ctx, actorID, sessionID)
	if err != nil {
		return RemovalResult{}, err
	}

	removed, err := svc.repo.DeleteStudentRecords(ctx, s.ID, studentIDs...)
	if err != nil {
		return RemovalResult{}, pkgerrors.Wrap(err, "deleting student records")
	}
	if err = svc.history.DeleteHistoryRecords(ctx, s.ID, studentIDs...); err != nil {
		svc.logger.Error(fmt.Sprintf("session %s: deleting history of removed records: %v", s.ID, err), err)
	}

	// re-read to refresh the roster before recomputing totals
	s, err = svc.repo.GetSessionByID(ctx, s.ID)
	if err != nil {
		return RemovalResult{}, err
	}
	if _, err = svc.saveTotals(ctx, s); err != nil {
		return RemovalResult{}, err
	}
	return RemovalResult{Removed: removed, Skipped: len(studentIDs) - removed}, nil
}

// Complete closes an in-progress session, stamps its duration and fans out a
// stats refresh for every student on the roster.
func (svc *Service) Complete(ctx context.Context, actorID, sessionID string) (Session, error) {
	s, err := svc.getInProgressOwned(ctx, actorID, sessionID)
	if err != nil {
		return Session{}, err
	}

	now := NowFunc()
	s.State = StateCompleted
	s.FinishedAt = &now
	s.DurationMinutes = int(math.Round(now.Sub(s.StartedAt).Minutes()))
	s.UpdatedAt = now
	s.RecomputeTotals()

	s, err = svc.repo.UpdateSession(ctx, s)
	if err != nil {
		return Session{}, pkgerrors.Wrap(err, "completing session")
	}

	if studentIDs := s.StudentIDs(); len(studentIDs) > 0 {
		if err = svc.stats.BulkRecompute(ctx, studentIDs); err != nil {
			svc.logger.Error(fmt.Sprintf("session %s: recomputing stats: %v", s.ID, err), err)
		}
	}
	return s, nil
}

// Update patches mutable fields in any state. Setting State here is an
// administrative override with no transition guard.
func (svc *Service) Update(ctx context.Context, actorID, sessionID string, us UpdateSession) (Session, error) {
	if err := us.Validate(); err != nil {
		return Session{}, err
	}
	s, err := svc.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.OwnerID != actorID {
		return Session{}, core.NewPermissionError(errNotOwner)
	}
	if us.ScheduledFor != nil && s.Type != TypeScheduled {
		return Session{}, core.NewValidationError(errNotScheduled)
	}

	if us.AttendanceDate != nil {
		s.AttendanceDate = us.AttendanceDate.UTC()
	}
	if us.ScheduledFor != nil {
		s.ScheduledFor = us.ScheduledFor
	}
	if us.Location != nil {
		s.Location = *us.Location
	}
	if us.Notes != nil {
		s.Notes = *us.Notes
	}
	if us.State != "" {
		s.State = us.State
	}
	s.UpdatedAt = NowFunc()
	return svc.repo.UpdateSession(ctx, s)
}

// Delete removes sessions owned by actorID. The session rows are the primary
// fact; failing history cleanup is logged and left for a later sweep.
func (svc *Service) Delete(ctx context.Context, actorID string, ids ...string) error {
	for _, id := range ids {
		s, err := svc.repo.GetSessionByID(ctx, id)
		if err != nil {
			return err
		}
		if s.OwnerID != actorID {
			return core.NewPermissionError(errNotOwner)
		}
	}

	if err := svc.repo.DeleteSessionsByID(ctx, ids...); err != nil {
		return pkgerrors.Wrap(err, "deleting sessions")
	}
	if err := svc.history.DeleteHistoryBySession(ctx, ids...); err != nil {
		svc.logger.Error(fmt.Sprintf("deleting history of deleted sessions %v: %v", ids, err), err)
	}
	return nil
}

// PruneStudentRecords drops a removed student's record from the class's
// in-progress session, if any. Completed sessions' history is kept for audit.
func (svc *Service) PruneStudentRecords(ctx context.Context, classID string, studentIDs ...string) error {
	s, err := svc.repo.GetInProgressSessionByClass(ctx, classID)
	if err != nil {
		if err == ErrSessionNotFound {
			return nil
		}
		return err
	}

	if _, err = svc.repo.DeleteStudentRecords(ctx, s.ID, studentIDs...); err != nil {
		return pkgerrors.Wrap(err, "deleting student records")
	}
	if err = svc.history.DeleteHistoryRecords(ctx, s.ID, studentIDs...); err != nil {
		return pkgerrors.Wrap(err, "deleting history records")
	}

	s, err = svc.repo.GetSessionByID(ctx, s.ID)
	if err != nil {
		return err
	}
	_, err = svc.saveTotals(ctx, s)
	return err
}

// DeleteClassSessions cascades a class deletion to its sessions and their history.
func (svc *Service) DeleteClassSessions(ctx context.Context, classIDs ...string) error {
	sessions, err := svc.repo.QuerySessionsByClass(ctx, classIDs...)
	if err != nil {
		return pkgerrors.Wrap(err, "querying class sessions")
	}
	if len(sessions) == 0 {
		return nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	if err = svc.repo.DeleteSessionsByID(ctx, ids...); err != nil {
		return pkgerrors.Wrap(err, "deleting sessions")
	}
	if err = svc.history.DeleteHistoryBySession(ctx, ids...); err != nil {
		return pkgerrors.Wrap(err, "deleting session history")
	}
	return nil
}

func (svc *Service) getInProgressOwned(ctx context.Context, actorID, sessionID string) (Session, error) {
	s, err := svc.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.OwnerID != actorID {
		return Session{}, core.NewPermissionError(errNotOwner)
	}
	if s.State != StateInProgress {
		return Session{}, core.NewConflictError(errNotInProgress)
	}
	return s, nil
}

func (svc *Service) mark(ctx context.Context, s *Session, ms MarkStudent) error {
	now := NowFunc()
	rec, err := svc.repo.UpsertStudentRecord(ctx, StudentRecord{
		SessionID: s.ID,
		StudentID: ms.StudentID,
		Status:    ms.Status,
		MarkedAt:  &now,
		Notes:     ms.Notes,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "upserting student record")
	}

	for i := range s.Records {
		if s.Records[i].StudentID == rec.StudentID {
			s.Records[i] = rec
			break
		}
	}
	svc.mirrorToHistory(ctx, *s, rec)
	return nil
}

// mirrorToHistory upserts the durable copy of a record. Best effort: the live
// record is the primary write, a failed mirror is logged and left to lag.
func (svc *Service) mirrorToHistory(ctx context.Context, s Session, rec StudentRecord) {
	markedAt := s.StartedAt
	if rec.MarkedAt != nil {
		markedAt = *rec.MarkedAt
	}
	err := svc.history.UpsertHistoryRecord(ctx, HistoryRecord{
		StudentID: rec.StudentID,
		SessionID: s.ID,
		ClassID:   s.ClassID,
		Status:    rec.Status,
		MarkedAt:  markedAt,
		Notes:     rec.Notes,
	})
	if err != nil {
		svc.logger.Error(fmt.Sprintf("session %s: mirroring record of student %s to history: %v", s.ID, rec.StudentID, err), err)
	}
}

func (svc *Service) saveTotals(ctx context.Context, s Session) (Session, error) {
	s.RecomputeTotals()
	s.UpdatedAt = NowFunc()
	return svc.repo.UpdateSession(ctx, s)
}
