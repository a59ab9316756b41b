package class

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/user"
)

var (
	// errors
	ErrNotFound      = errors.New("class not found")
	ErrEntryNotFound = errors.New("enrollment entry not found")

	errNotOwner     = errors.New("only the class owner may do this")
	errOwnerEnroll  = errors.New("the class owner cannot enroll in their own class")
	errEntryExists  = errors.New("student already has an enrollment entry for this class")
	errClassFull    = errors.New("class enrollment limit reached")
	errNotPending   = errors.New("enrollment entry is not pending")
	errNotRequested = errors.New("enrollment entry is not requested")
)

type (
	Repository interface {
		CreateClass(ctx context.Context, cls Class) (Class, error)
		// GetClassByID returns the class with all its enrollment entries.
		GetClassByID(ctx context.Context, id string) (Class, error)
		// FilterClasses applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on Class.Name or Class.Subject.
		FilterClasses(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Class, error)
		QueryClassesByOwner(ctx context.Context, ownerID string) ([]Class, error)
		// QueryClassesByStudent returns classes where the student has an entry in one
		// of the given states (any state if none given).
		QueryClassesByStudent(ctx context.Context, studentID string, states ...string) ([]Class, error)
		UpdateClass(ctx context.Context, cls Class) (Class, error)
		// DeleteClassesByID also drops all enrollment entries of each class.
		DeleteClassesByID(ctx context.Context, ids ...string) error

		UpsertEntry(ctx context.Context, entry EnrollmentEntry) (EnrollmentEntry, error)
		GetEntry(ctx context.Context, classID, studentID string) (EnrollmentEntry, error)
		DeleteEntry(ctx context.Context, classID, studentID string) error
		// CountAcceptedEntriesByStudent tallies accepted entries per student in one pass.
		CountAcceptedEntriesByStudent(ctx context.Context, studentIDs ...string) (map[string]int, error)
	}

	// UserDirectory resolves student ids to accounts for invitation emails.
	// Satisfied by user.Repository.
	UserDirectory interface {
		GetUserByID(ctx context.Context, id string) (user.User, error)
	}

	// SessionCascade is the attendance side of class mutations: pruning a removed
	// student's live session record and cascading class deletion to its sessions.
	// Pruning failures are secondary cleanup (logged and skipped); the delete
	// cascade must succeed before the class rows may go.
	SessionCascade interface {
		PruneStudentRecords(ctx context.Context, classID string, studentIDs ...string) error
		DeleteClassSessions(ctx context.Context, classIDs ...string) error
	}

	Service struct {
		repo     Repository
		users    UserDirectory
		sessions SessionCascade
		mailSvc  core.EmailService
		logger   core.Logger
		conf     *core.Config
	}
)

func NewService(
	repo Repository,
	users UserDirectory,
	sessions SessionCascade,
	mailSvc core.EmailService,
	logger core.Logger,
	conf *core.Config,
) *Service {
	return &Service{
		repo:     repo,
		users:    users,
		sessions: sessions,
		mailSvc:  mailSvc,
		logger:   logger,
		conf:     conf,
	}
}

func (svc *Service) Create(ctx context.Context, ownerID string, nc NewClass) (Class, error) {
	now := time.Now().UTC()
	cls := Class{
		Name:      nc.Name,
		Subject:   nc.Subject,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return svc.repo.CreateClass(ctx, cls)
}

func (svc *Service) GetByID(ctx context.Context, id string) (Class, error) {
	return svc.repo.GetClassByID(ctx, id)
}

func (svc *Service) Filter(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Class, error) {
	return svc.repo.FilterClasses(ctx, filter, ordering...)
}

func (svc *Service) QueryByOwner(ctx context.Context, ownerID string) ([]Class, error) {
	return svc.repo.QueryClassesByOwner(ctx, ownerID)
}

func (svc *Service) QueryByStudent(ctx context.Context, studentID string, states ...string) ([]Class, error) {
	return svc.repo.QueryClassesByStudent(ctx, studentID, states...)
}

func (svc *Service) Update(ctx context.Context, actorID, id string, uc UpdateClass) (Class, error) {
	cls, err := svc.repo.GetClassByID(ctx, id)
	if err != nil {
		return Class{}, err
	}
	if cls.OwnerID != actorID {
		return Class{}, core.NewPermissionError(errNotOwner)
	}
	if err = uc.Validate(cls); err != nil {
		return Class{}, err
	}
	cls.Name = uc.Name
	cls.Subject = uc.Subject
	cls.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateClass(ctx, cls)
}

// Delete removes classes owned by actorID along with their enrollment entries,
// attendance sessions and session history. Sessions and their history go first:
// dropping the class rows cascades the session rows away, and the history rows
// (keyed by session but without an FK to it) could then never be found again.
func (svc *Service) Delete(ctx context.Context, actorID string, ids ...string) error {
	for _, id := range ids {
		cls, err := svc.repo.GetClassByID(ctx, id)
		if err != nil {
			return err
		}
		if cls.OwnerID != actorID {
			return core.NewPermissionError(errNotOwner)
		}
	}

	if err := svc.sessions.DeleteClassSessions(ctx, ids...); err != nil {
		return pkgerrors.Wrap(err, "deleting class sessions")
	}
	return pkgerrors.Wrap(svc.repo.DeleteClassesByID(ctx, ids...), "deleting classes")
}

// Enrollment state machine
//
//	(none) --Invite(teacher)--> pending --Accept(student)--> accepted
//	(none) --Request(student)--> requested --Approve(teacher)--> accepted
//	pending --Reject(student)--> (none)
//	requested --Deny(teacher)--> (none)
//	accepted|pending|requested --Remove(teacher)--> (none)

// Invite creates a pending entry for the student and emails them an invitation.
func (svc *Service) Invite(ctx context.Context, classID, teacherID, studentID string) (EnrollmentEntry, error) {
	cls, err := svc.repo.GetClassByID(ctx, classID)
	if err != nil {
		return EnrollmentEntry{}, err
	}
	if cls.OwnerID != teacherID {
		return EnrollmentEntry{}, core.NewPermissionError(errNotOwner)
	}
	if studentID == cls.OwnerID {
		return EnrollmentEntry{}, core.NewConflictError(errOwnerEnroll)
	}
	if _, ok := cls.Entry(studentID); ok {
		return EnrollmentEntry{}, core.NewConflictError(errEntryExists)
	}
	if cls.CountEntries().Total() >= svc.conf.MaxClassStudents {
		return EnrollmentEntry{}, core.NewValidationError(errClassFull)
	}

	now := time.Now().UTC()
	entry, err := svc.repo.UpsertEntry(ctx, EnrollmentEntry{
		ClassID:   classID,
		StudentID: studentID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return EnrollmentEntry{}, err
	}

	svc.sendInvitationMail(ctx, cls, studentID)
	return entry, nil
}

// Request creates a requested entry for the acting student.
func (svc *Service) Request(ctx context.Context, classID, studentID string) (EnrollmentEntry, error) {
	cls, err := svc.repo.GetClassByID(ctx, classID)
	if err != nil {
		return EnrollmentEntry{}, err
	}
	if studentID == cls.OwnerID {
		return EnrollmentEntry{}, core.NewPermissionError(errOwnerEnroll)
	}
	if _, ok := cls.Entry(studentID); ok {
		return EnrollmentEntry{}, core.NewConflictError(errEntryExists)
	}
	if cls.CountEntries().Total() >= svc.conf.MaxClassStudents {
		return EnrollmentEntry{}, core.NewValidationError(errClassFull)
	}

	now := time.Now().UTC()
	return svc.repo.UpsertEntry(ctx, EnrollmentEntry{
		ClassID:   classID,
		StudentID: studentID,
		State:     StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Accept moves the acting student's own pending entry to accepted.
// A requested entry must go through Approve, not self-accept.
func (svc *Service) Accept(ctx context.Context, classID, studentID string) (EnrollmentEntry, error) {
	entry, err := svc.repo.GetEntry(ctx, classID, studentID)
	if err != nil {
		return EnrollmentEntry{}, err
	}
	if entry.State != StatePending {
		return EnrollmentEntry{}, core.NewConflictError(errNotPending)
	}

	now := time.Now().UTC()
	entry.State = StateAccepted
	entry.EnrolledAt = &now
	entry.UpdatedAt = now
	return svc.repo.UpsertEntry(ctx, entry)
}

// Reject drops the acting student's own pending entry.
func (svc *Service) Reject(ctx context.Context, classID, studentID string) error {
	entry, err := svc.repo.GetEntry(ctx, classID, studentID)
	if err != nil {
		return err
	}
	if entry.State != StatePending {
		return core.NewConflictError(errNotPending)
	}
	return svc.repo.DeleteEntry(ctx, classID, studentID)
}

// Approve moves a requested entry to accepted. Owner only.
func (svc *Service) Approve(ctx context.Context, classID, teacherID, studentID string) (EnrollmentEntry, error) {
	cls, err := svc.repo.GetClassByID(ctx, classID)
	if err != nil {
		return EnrollmentEntry{}, err
	}
	if cls.OwnerID != teacherID {
		return EnrollmentEntry{}, core.NewPermissionError(errNotOwner)
	}
	entry, ok := cls.Entry(studentID)
	if !ok {
		return EnrollmentEntry{}, ErrEntryNotFound
	}
	if entry.State != StateRequested {
		return EnrollmentEntry{}, core.NewConflictError(errNotRequested)
	}

	now := time.Now().UTC()
	entry.State = StateAccepted
	entry.EnrolledAt = &now
	entry.UpdatedAt = now
	return svc.repo.UpsertEntry(ctx, entry)
}

// Deny drops a requested entry. Owner only.
func (svc *Service) Deny(ctx context.Context, classID, teacherID, studentID string) error {
	cls, err := svc.repo.GetClassByID(ctx, classID)
	if err != nil {
		return err
	}
	if cls.OwnerID != teacherID {
		return core.NewPermissionError(errNotOwner)
	}
	entry, ok := cls.Entry(studentID)
	if !ok {
		return ErrEntryNotFound
	}
	if entry.State != StateRequested {
		return core.NewConflictError(errNotRequested)
	}
	return svc.repo.DeleteEntry(ctx, classID, studentID)
}

// Remove drops a student's entry in any state and prunes their record from any
// in-progress session of the class. History of completed sessions is kept for audit.
func (svc *Service) Remove(ctx context.Context, classID, teacherID, studentID string) error {
	cls, err := svc.repo.GetClassByID(ctx, classID)
	if err != nil {
		return err
	}
	if cls.OwnerID != teacherID {
		return core.NewPermissionError(errNotOwner)
	}
	if _, ok := cls.Entry(studentID); !ok {
		return ErrEntryNotFound
	}

	if err = svc.repo.DeleteEntry(ctx, classID, studentID); err != nil {
		return pkgerrors.Wrap(err, "deleting enrollment entry")
	}

	if err = svc.sessions.PruneStudentRecords(ctx, classID, studentID); err != nil {
		svc.logger.Error(fmt.Sprintf("pruning session records of removed student %s: %v", studentID, err), err)
	}
	return nil
}

func (svc *Service) sendInvitationMail(ctx context.Context, cls Class, studentID string) {
	student, err := svc.users.GetUserByID(ctx, studentID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("looking up invited student %s: %v", studentID, err), err)
		return
	}
	if student.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: student.Name, Address: student.Email}},
		Subject:      "Class Invitation",
		TemplateName: "class-invitation",
		TemplateData: struct {
			StudentName string
			ClassName   string
			Subject     string
			ClassID     string
		}{student.Name, cls.Name, cls.Subject, cls.ID},
	})
}
