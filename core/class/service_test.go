package class_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/class"
	"github.com/trezcool/mahudhurio/core/stats"
	"github.com/trezcool/mahudhurio/core/user"
	emailsvc "github.com/trezcool/mahudhurio/services/email"
	dummydb "github.com/trezcool/mahudhurio/storage/database/dummy"
)

func TestMain(m *testing.M) {
	core.InitValidators()
	attendance.InitValidators()
	os.Exit(m.Run())
}

type testEnv struct {
	clsSvc   *class.Service
	attSvc   *attendance.Service
	clsRepo  class.Repository
	attRepo  attendance.Repository
	histRepo attendance.HistoryRepository
	usrRepo  user.Repository
}

func setup(t *testing.T, conf ...*core.Config) *testEnv {
	t.Helper()

	cfg := &core.Config{TestMode: true, MaxClassStudents: 50}
	if len(conf) > 0 {
		cfg = conf[0]
	}

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed, %v", err)
	}
	usrRepo := dummydb.NewUserRepository(db)
	clsRepo := dummydb.NewClassRepository(db)
	attRepo := dummydb.NewAttendanceRepository(db)
	histRepo := dummydb.NewHistoryRepository(db)

	logger := core.NewNopLogger()
	mailSvc := emailsvc.NewConsoleServiceMock(cfg)
	statsAgg := stats.NewAggregator(histRepo, clsRepo, usrRepo)
	attSvc := attendance.NewService(attRepo, histRepo, clsRepo, statsAgg, logger)
	clsSvc := class.NewService(clsRepo, usrRepo, attSvc, mailSvc, logger, cfg)

	return &testEnv{
		clsSvc:   clsSvc,
		attSvc:   attSvc,
		clsRepo:  clsRepo,
		attRepo:  attRepo,
		histRepo: histRepo,
		usrRepo:  usrRepo,
	}
}

func (env *testEnv) createStudent(t *testing.T, uname string) user.User {
	t.Helper()

	active := true
	now := time.Now().UTC()
	usr, err := env.usrRepo.CreateUser(context.Background(), user.User{
		Username:  uname,
		Email:     uname + "@test.cd",
		Roles:     []string{user.RoleStudent},
		IsActive:  &active,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateUser() failed, %v", err)
	}
	return usr
}

func (env *testEnv) createClass(t *testing.T, ownerID, name string) class.Class {
	t.Helper()

	cls, err := env.clsSvc.Create(context.Background(), ownerID, class.NewClass{Name: name, Subject: "Go 101"})
	if err != nil {
		t.Fatalf("Create() failed, %v", err)
	}
	return cls
}

func (env *testEnv) enroll(t *testing.T, classID, studentID, state string) {
	t.Helper()

	now := time.Now().UTC()
	entry := class.EnrollmentEntry{
		ClassID:   classID,
		StudentID: studentID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if state == class.StateAccepted {
		entry.EnrolledAt = &now
	}
	if _, err := env.clsRepo.UpsertEntry(context.Background(), entry); err != nil {
		t.Fatalf("UpsertEntry() failed, %v", err)
	}
}

func Test_Service_Invite(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	student := env.createStudent(t, "stud1")
	cls := env.createClass(t, teacher.ID, "Algorithms")

	// not the owner
	if _, err := env.clsSvc.Invite(ctx, cls.ID, student.ID, teacher.ID); err == nil {
		t.Error("expected a permission error for non-owner")
	} else if _, ok := err.(*core.PermissionError); !ok {
		t.Errorf("expected *core.PermissionError, got %T", err)
	}

	// owner cannot enroll in their own class
	if _, err := env.clsSvc.Invite(ctx, cls.ID, teacher.ID, teacher.ID); err == nil {
		t.Error("expected a conflict error for owner self-enrollment")
	} else if _, ok := err.(*core.ConflictError); !ok {
		t.Errorf("expected *core.ConflictError, got %T", err)
	}

	entry, err := env.clsSvc.Invite(ctx, cls.ID, teacher.ID, student.ID)
	if err != nil {
		t.Fatalf("Invite() failed, %v", err)
	}
	if entry.State != class.StatePending {
		t.Errorf("entry.State = %s, want %s", entry.State, class.StatePending)
	}

	// duplicate entry
	if _, err = env.clsSvc.Invite(ctx, cls.ID, teacher.ID, student.ID); err == nil {
		t.Error("expected a conflict error for duplicate entry")
	} else if _, ok := err.(*core.ConflictError); !ok {
		t.Errorf("expected *core.ConflictError, got %T", err)
	}
}

func Test_Service_Invite_classFull(t *testing.T) {
	env := setup(t, &core.Config{TestMode: true, MaxClassStudents: 1})
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	stud1 := env.createStudent(t, "stud1")
	stud2 := env.createStudent(t, "stud2")
	cls := env.createClass(t, teacher.ID, "Algorithms")

	if _, err := env.clsSvc.Invite(ctx, cls.ID, teacher.ID, stud1.ID); err != nil {
		t.Fatalf("Invite() failed, %v", err)
	}
	if _, err := env.clsSvc.Invite(ctx, cls.ID, teacher.ID, stud2.ID); err == nil {
		t.Error("expected a validation error for a full class")
	} else if _, ok := err.(*core.ValidationError); !ok {
		t.Errorf("expected *core.ValidationError, got %T", err)
	}
}

func Test_Service_AcceptReject(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	stud1 := env.createStudent(t, "stud1")
	stud2 := env.createStudent(t, "stud2")
	cls := env.createClass(t, teacher.ID, "Algorithms")
	env.enroll(t, cls.ID, stud1.ID, class.StatePending)
	env.enroll(t, cls.ID, stud2.ID, class.StateRequested)

	entry, err := env.clsSvc.Accept(ctx, cls.ID, stud1.ID)
	if err != nil {
		t.Fatalf("Accept() failed, %v", err)
	}
	if entry.State != class.StateAccepted {
		t.Errorf("entry.State = %s, want %s", entry.State, class.StateAccepted)
	}
	if entry.EnrolledAt == nil {
		t.Error("entry.EnrolledAt not set")
	}

	// a requested entry cannot self-accept
	if _, err = env.clsSvc.Accept(ctx, cls.ID, stud2.ID); err == nil {
		t.Error("expected a conflict error for a requested entry")
	} else if _, ok := err.(*core.ConflictError); !ok {
		t.Errorf("expected *core.ConflictError, got %T", err)
	}

	// an accepted entry cannot be rejected
	if err = env.clsSvc.Reject(ctx, cls.ID, stud1.ID); err == nil {
		t.Error("expected a conflict error for an accepted entry")
	}

	// unknown entry
	if _, err = env.clsSvc.Accept(ctx, cls.ID, "nope"); err != class.ErrEntryNotFound {
		t.Errorf("Accept() error = %v, want %v", err, class.ErrEntryNotFound)
	}
}

func Test_Service_ApproveDeny(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	stud1 := env.createStudent(t, "stud1")
	stud2 := env.createStudent(t, "stud2")
	cls := env.createClass(t, teacher.ID, "Algorithms")
	env.enroll(t, cls.ID, stud1.ID, class.StateRequested)
	env.enroll(t, cls.ID, stud2.ID, class.StateRequested)

	// not the owner
	if _, err := env.clsSvc.Approve(ctx, cls.ID, stud1.ID, stud1.ID); err == nil {
		t.Error("expected a permission error for non-owner")
	}

	entry, err := env.clsSvc.Approve(ctx, cls.ID, teacher.ID, stud1.ID)
	if err != nil {
		t.Fatalf("Approve() failed, %v", err)
	}
	if entry.State != class.StateAccepted {
		t.Errorf("entry.State = %s, want %s", entry.State, class.StateAccepted)
	}

	// an accepted entry cannot be approved again
	if _, err = env.clsSvc.Approve(ctx, cls.ID, teacher.ID, stud1.ID); err == nil {
		t.Error("expected a conflict error for an accepted entry")
	}

	if err = env.clsSvc.Deny(ctx, cls.ID, teacher.ID, stud2.ID); err != nil {
		t.Fatalf("Deny() failed, %v", err)
	}
	if _, err = env.clsRepo.GetEntry(ctx, cls.ID, stud2.ID); err != class.ErrEntryNotFound {
		t.Errorf("GetEntry() error = %v, want %v", err, class.ErrEntryNotFound)
	}
}

func Test_Service_Remove_prunesLiveSession(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	stud1 := env.createStudent(t, "stud1")
	stud2 := env.createStudent(t, "stud2")
	cls := env.createClass(t, teacher.ID, "Algorithms")
	env.enroll(t, cls.ID, stud1.ID, class.StateAccepted)
	env.enroll(t, cls.ID, stud2.ID, class.StateAccepted)

	s, err := env.attSvc.Open(ctx, teacher.ID, attendance.NewSession{ClassID: cls.ID, Type: attendance.TypeQuick})
	if err != nil {
		t.Fatalf("Open() failed, %v", err)
	}
	if len(s.Records) != 2 {
		t.Fatalf("len(s.Records) = %d, want 2", len(s.Records))
	}

	if err = env.clsSvc.Remove(ctx, cls.ID, teacher.ID, stud1.ID); err != nil {
		t.Fatalf("Remove() failed, %v", err)
	}

	// the entry is gone and the live session record was pruned
	if _, err = env.clsRepo.GetEntry(ctx, cls.ID, stud1.ID); err != class.ErrEntryNotFound {
		t.Errorf("GetEntry() error = %v, want %v", err, class.ErrEntryNotFound)
	}
	s, err = env.attSvc.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID() failed, %v", err)
	}
	if len(s.Records) != 1 {
		t.Errorf("len(s.Records) = %d, want 1", len(s.Records))
	}
	if s.Totals.Students != 1 {
		t.Errorf("s.Totals.Students = %d, want 1", s.Totals.Students)
	}
}

func Test_Service_Delete_cascadesSessions(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	stud1 := env.createStudent(t, "stud1")
	cls := env.createClass(t, teacher.ID, "Algorithms")
	env.enroll(t, cls.ID, stud1.ID, class.StateAccepted)

	// a completed session with a marked record, then a live one
	s1, err := env.attSvc.Open(ctx, teacher.ID, attendance.NewSession{ClassID: cls.ID, Type: attendance.TypeQuick})
	if err != nil {
		t.Fatalf("Open() failed, %v", err)
	}
	if _, err = env.attSvc.Mark(ctx, teacher.ID, s1.ID, attendance.MarkStudent{StudentID: stud1.ID, Status: attendance.StatusPresent}); err != nil {
		t.Fatalf("Mark() failed, %v", err)
	}
	if _, err = env.attSvc.Complete(ctx, teacher.ID, s1.ID); err != nil {
		t.Fatalf("Complete() failed, %v", err)
	}
	s2, err := env.attSvc.Open(ctx, teacher.ID, attendance.NewSession{ClassID: cls.ID, Type: attendance.TypeQuick})
	if err != nil {
		t.Fatalf("Open() failed, %v", err)
	}

	// not the owner
	if err = env.clsSvc.Delete(ctx, stud1.ID, cls.ID); err == nil {
		t.Error("expected a permission error for non-owner")
	}

	if err = env.clsSvc.Delete(ctx, teacher.ID, cls.ID); err != nil {
		t.Fatalf("Delete() failed, %v", err)
	}
	if _, err = env.clsSvc.GetByID(ctx, cls.ID); err != class.ErrNotFound {
		t.Errorf("GetByID() error = %v, want %v", err, class.ErrNotFound)
	}
	for _, id := range []string{s1.ID, s2.ID} {
		if _, err = env.attSvc.GetByID(ctx, id); err != attendance.ErrSessionNotFound {
			t.Errorf("GetByID(%s) error = %v, want %v", id, err, attendance.ErrSessionNotFound)
		}
	}
	hist, err := env.attSvc.StudentHistory(ctx, stud1.ID)
	if err != nil {
		t.Fatalf("StudentHistory() failed, %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("len(hist) = %d, want 0", len(hist))
	}

	// the wiped history no longer feeds the student's stats
	statsAgg := stats.NewAggregator(env.histRepo, env.clsRepo, env.usrRepo)
	st, err := statsAgg.Recompute(ctx, stud1.ID)
	if err != nil {
		t.Fatalf("Recompute() failed, %v", err)
	}
	if st.SessionsCount != 0 || st.Present != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func Test_Service_Update(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	teacher := env.createStudent(t, "teacher")
	other := env.createStudent(t, "other")
	cls := env.createClass(t, teacher.ID, "Algorithms")

	if _, err := env.clsSvc.Update(ctx, other.ID, cls.ID, class.UpdateClass{Name: "Hacked"}); err == nil {
		t.Error("expected a permission error for non-owner")
	}

	updated, err := env.clsSvc.Update(ctx, teacher.ID, cls.ID, class.UpdateClass{Name: "Data Structures"})
	if err != nil {
		t.Fatalf("Update() failed, %v", err)
	}
	if updated.Name != "Data Structures" {
		t.Errorf("updated.Name = %s, want Data Structures", updated.Name)
	}
	if updated.Subject != cls.Subject {
		t.Errorf("updated.Subject = %s, want unchanged %s", updated.Subject, cls.Subject)
	}
}
