package attendance_test

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
	dummydb "github.com/trezcool/mahudhurio/storage/database/dummy"
)

func TestMain(m *testing.M) {
	core.InitValidators()
	attendance.InitValidators()
	os.Exit(m.Run())
}

type testEnv struct {
	svc      *attendance.Service
	statsAgg *stats.Aggregator
	clsRepo  class.Repository
	histRepo attendance.HistoryRepository
	usrRepo  user.Repository

	teacher  user.User
	students []user.User
	cls      class.Class
}

// setup seeds a teacher, n accepted students and their class.
func setup(t *testing.T, n int) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed, %v", err)
	}
	usrRepo := dummydb.NewUserRepository(db)
	clsRepo := dummydb.NewClassRepository(db)
	attRepo := dummydb.NewAttendanceRepository(db)
	histRepo := dummydb.NewHistoryRepository(db)

	statsAgg := stats.NewAggregator(histRepo, clsRepo, usrRepo)
	svc := attendance.NewService(attRepo, histRepo, clsRepo, statsAgg, core.NewNopLogger())

	env := &testEnv{
		svc:      svc,
		statsAgg: statsAgg,
		clsRepo:  clsRepo,
		histRepo: histRepo,
		usrRepo:  usrRepo,
	}

	env.teacher = env.createUser(t, "teacher", user.TeacherRoles)
	now := time.Now().UTC()
	env.cls, err = clsRepo.CreateClass(ctx, class.Class{
		Name:      "Algorithms",
		Subject:   "Go 101",
		OwnerID:   env.teacher.ID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateClass() failed, %v", err)
	}

	for i := 0; i < n; i++ {
		stud := env.createUser(t, "stud"+string(rune('a'+i)), user.StudentRoles)
		env.students = append(env.students, stud)
		env.enroll(t, stud.ID, class.StateAccepted)
	}
	return env
}

func (env *testEnv) createUser(t *testing.T, uname string, roles []string) user.User {
	t.Helper()

	active := true
	now := time.Now().UTC()
	usr, err := env.usrRepo.CreateUser(context.Background(), user.User{
		Username:  uname,
		Email:     uname + "@test.cd",
		Roles:     roles,
		IsActive:  &active,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateUser() failed, %v", err)
	}
	return usr
}

func (env *testEnv) enroll(t *testing.T, studentID, state string) {
	t.Helper()

	now := time.Now().UTC()
	entry := class.EnrollmentEntry{
		ClassID:   env.cls.ID,
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

func (env *testEnv) open(t *testing.T) attendance.Session {
	t.Helper()

	s, err := env.svc.Open(context.Background(), env.teacher.ID, attendance.NewSession{
		ClassID: env.cls.ID,
		Type:    attendance.TypeQuick,
	})
	if err != nil {
		t.Fatalf("Open() failed, %v", err)
	}
	return s
}

func Test_Service_Open(t *testing.T) {
	env := setup(t, 2)
	ctx := context.Background()

	// not the owner
	ns := attendance.NewSession{ClassID: env.cls.ID, Type: attendance.TypeQuick}
	if _, err := env.svc.Open(ctx, env.students[0].ID, ns); err == nil {
		t.Error("expected a permission error for non-owner")
	} else if _, ok := err.(*core.PermissionError); !ok {
		t.Errorf("expected *core.PermissionError, got %T", err)
	}

	// scheduled type requires scheduled_for
	if _, err := env.svc.Open(ctx, env.teacher.ID, attendance.NewSession{
		ClassID: env.cls.ID,
		Type:    attendance.TypeScheduled,
	}); err == nil {
		t.Error("expected a validation error for missing scheduled_for")
	}

	s := env.open(t)
	if s.State != attendance.StateInProgress {
		t.Errorf("s.State = %s, want %s", s.State, attendance.StateInProgress)
	}
	if len(s.Records) != 2 {
		t.Fatalf("len(s.Records) = %d, want 2", len(s.Records))
	}
	for _, rec := range s.Records {
		if rec.Status != attendance.StatusAbsent {
			t.Errorf("rec.Status = %s, want default %s", rec.Status, attendance.StatusAbsent)
		}
		if rec.MarkedAt != nil {
			t.Error("rec.MarkedAt set on an unmarked record")
		}
	}
	if s.Totals.Students != 2 || s.Totals.Absent != 2 || s.Totals.Percentage != 0 {
		t.Errorf("unexpected totals %+v", s.Totals)
	}

	// the default-absent snapshot is mirrored to history
	hist, err := env.svc.StudentHistory(ctx, env.students[0].ID)
	if err != nil {
		t.Fatalf("StudentHistory() failed, %v", err)
	}
	if len(hist) != 1 || hist[0].Status != attendance.StatusAbsent {
		t.Errorf("unexpected history %+v", hist)
	}

	// a second in-progress session for the same class is rejected
	if _, err = env.svc.Open(ctx, env.teacher.ID, ns); err == nil {
		t.Error("expected a conflict error for a second in-progress session")
	} else if _, ok := err.(*core.ConflictError); !ok {
		t.Errorf("expected *core.ConflictError, got %T", err)
	}
}

func Test_Service_Open_rosterGuards(t *testing.T) {
	ctx := context.Background()
	ns := func(env *testEnv) attendance.NewSession {
		return attendance.NewSession{ClassID: env.cls.ID, Type: attendance.TypeQuick}
	}

	t.Run("pending invitation blocks open", func(t *testing.T) {
		env := setup(t, 1)
		invited := env.createUser(t, "pending", user.StudentRoles)
		env.enroll(t, invited.ID, class.StatePending)

		if _, err := env.svc.Open(ctx, env.teacher.ID, ns(env)); err == nil {
			t.Error("expected a validation error while invitations are pending")
		} else if _, ok := err.(*core.ValidationError); !ok {
			t.Errorf("expected *core.ValidationError, got %T", err)
		}
	})

	t.Run("no accepted students blocks open", func(t *testing.T) {
		env := setup(t, 0)
		requested := env.createUser(t, "requested", user.StudentRoles)
		env.enroll(t, requested.ID, class.StateRequested)

		if _, err := env.svc.Open(ctx, env.teacher.ID, ns(env)); err == nil {
			t.Error("expected a validation error with no accepted students")
		}
	})

	t.Run("later enrollment does not touch the snapshot", func(t *testing.T) {
		env := setup(t, 1)
		s := env.open(t)

		late := env.createUser(t, "late", user.StudentRoles)
		env.enroll(t, late.ID, class.StateAccepted)

		s, err := env.svc.GetByID(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetByID() failed, %v", err)
		}
		if len(s.Records) != 1 {
			t.Errorf("len(s.Records) = %d, want 1", len(s.Records))
		}
	})
}

func Test_Service_Mark(t *testing.T) {
	env := setup(t, 2)
	ctx := context.Background()
	s := env.open(t)
	stud := env.students[0]

	s, err := env.svc.Mark(ctx, env.teacher.ID, s.ID, attendance.MarkStudent{
		StudentID: stud.ID,
		Status:    attendance.StatusLate,
		Notes:     "traffic",
	})
	if err != nil {
		t.Fatalf("Mark() failed, %v", err)
	}
	rec, ok := s.Record(stud.ID)
	if !ok {
		t.Fatal("record not found after marking")
	}
	if rec.Status != attendance.StatusLate || rec.Notes != "traffic" || rec.MarkedAt == nil {
		t.Errorf("unexpected record %+v", rec)
	}
	if s.Totals.Late != 1 || s.Totals.Absent != 1 {
		t.Errorf("unexpected totals %+v", s.Totals)
	}

	// re-marking overwrites, never duplicates
	s, err = env.svc.Mark(ctx, env.teacher.ID, s.ID, attendance.MarkStudent{
		StudentID: stud.ID,
		Status:    attendance.StatusPresent,
	})
	if err != nil {
		t.Fatalf("Mark() failed, %v", err)
	}
	if len(s.Records) != 2 {
		t.Errorf("len(s.Records) = %d, want 2", len(s.Records))
	}
	rec, _ = s.Record(stud.ID)
	if rec.Status != attendance.StatusPresent {
		t.Errorf("rec.Status = %s, want %s", rec.Status, attendance.StatusPresent)
	}
	if s.Totals.Present != 1 || s.Totals.Late != 0 {
		t.Errorf("unexpected totals %+v", s.Totals)
	}

	// the history mirror follows the latest mark
	hist, err := env.svc.StudentHistory(ctx, stud.ID)
	if err != nil {
		t.Fatalf("StudentHistory() failed, %v", err)
	}
	if len(hist) != 1 || hist[0].Status != attendance.StatusPresent {
		t.Errorf("unexpected history %+v", hist)
	}

	// unknown student
	if _, err = env.svc.Mark(ctx, env.teacher.ID, s.ID, attendance.MarkStudent{
		StudentID: "nope",
		Status:    attendance.StatusPresent,
	}); err != attendance.ErrRecordNotFound {
		t.Errorf("Mark() error = %v, want %v", err, attendance.ErrRecordNotFound)
	}

	// invalid status
	if _, err = env.svc.Mark(ctx, env.teacher.ID, s.ID, attendance.MarkStudent{
		StudentID: stud.ID,
		Status:    "vanished",
	}); err == nil {
		t.Error("expected a validation error for an invalid status")
	}
}

func Test_Service_MarkBulk(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	s := env.open(t)

	updates := []attendance.MarkStudent{
		{StudentID: env.students[0].ID, Status: attendance.StatusPresent},
		{StudentID: env.students[1].ID, Status: attendance.StatusPresent},
		{StudentID: "ghost", Status: attendance.StatusPresent}, // skipped
	}
	s, err := env.svc.MarkBulk(ctx, env.teacher.ID, s.ID, updates)
	if err != nil {
		t.Fatalf("MarkBulk() failed, %v", err)
	}
	if len(s.Records) != 3 {
		t.Errorf("len(s.Records) = %d, want 3", len(s.Records))
	}
	if s.Totals.Present != 2 || s.Totals.Absent != 1 {
		t.Errorf("unexpected totals %+v", s.Totals)
	}
	if s.Totals.Percentage != 67 { // round(2/3*100)
		t.Errorf("s.Totals.Percentage = %d, want 67", s.Totals.Percentage)
	}
}

func Test_Service_RemoveStudents(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	s := env.open(t)

	res, err := env.svc.RemoveStudents(ctx, env.teacher.ID, s.ID, env.students[0].ID, "ghost")
	if err != nil {
		t.Fatalf("RemoveStudents() failed, %v", err)
	}
	if res.Removed != 1 || res.Skipped != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	s, err = env.svc.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID() failed, %v", err)
	}
	if len(s.Records) != 2 || s.Totals.Students != 2 {
		t.Errorf("unexpected roster: %d records, totals %+v", len(s.Records), s.Totals)
	}

	// the removed student's history row is gone too
	hist, err := env.svc.StudentHistory(ctx, env.students[0].ID)
	if err != nil {
		t.Fatalf("StudentHistory() failed, %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("len(hist) = %d, want 0", len(hist))
	}

	// single removal of an unknown student
	if _, err = env.svc.RemoveStudent(ctx, env.teacher.ID, s.ID, "ghost"); err != attendance.ErrRecordNotFound {
		t.Errorf("RemoveStudent() error = %v, want %v", err, attendance.ErrRecordNotFound)
	}
}

func Test_Service_Complete(t *testing.T) {
	env := setup(t, 4)
	ctx := context.Background()
	s := env.open(t)

	for i := 0; i < 3; i++ {
		var err error
		if s, err = env.svc.Mark(ctx, env.teacher.ID, s.ID, attendance.MarkStudent{
			StudentID: env.students[i].ID,
			Status:    attendance.StatusPresent,
		}); err != nil {
			t.Fatalf("Mark() failed, %v", err)
		}
	}

	s, err := env.svc.Complete(ctx, env.teacher.ID, s.ID)
	if err != nil {
		t.Fatalf("Complete() failed, %v", err)
	}
	if s.State != attendance.StateCompleted {
		t.Errorf("s.State = %s, want %s", s.State, attendance.StateCompleted)
	}
	if s.FinishedAt == nil {
		t.Error("s.FinishedAt not set")
	}
	if s.Totals.Percentage != 75 { // round(3/4*100)
		t.Errorf("s.Totals.Percentage = %d, want 75", s.Totals.Percentage)
	}

	// completion fans out a stats refresh for the whole roster
	marked, err := env.usrRepo.GetUserByID(ctx, env.students[0].ID)
	if err != nil {
		t.Fatalf("GetUserByID() failed, %v", err)
	}
	if marked.Stats.SessionsCount != 1 || marked.Stats.Present != 1 || marked.Stats.Percentage != 100 {
		t.Errorf("unexpected stats %+v", marked.Stats)
	}
	unmarked, err := env.usrRepo.GetUserByID(ctx, env.students[3].ID)
	if err != nil {
		t.Fatalf("GetUserByID() failed, %v", err)
	}
	if unmarked.Stats.SessionsCount != 1 || unmarked.Stats.Absent != 1 || unmarked.Stats.Percentage != 0 {
		t.Errorf("unexpected stats %+v", unmarked.Stats)
	}

	// a completed session cannot be completed or marked again
	if _, err = env.svc.Complete(ctx, env.teacher.ID, s.ID); err == nil {
		t.Error("expected a conflict error for double completion")
	} else if _, ok := err.(*core.ConflictError); !ok {
		t.Errorf("expected *core.ConflictError, got %T", err)
	}
	if _, err = env.svc.Mark(ctx, env.teacher.ID, s.ID, attendance.MarkStudent{
		StudentID: env.students[0].ID,
		Status:    attendance.StatusLate,
	}); err == nil {
		t.Error("expected a conflict error for marking a completed session")
	}

	// a new session can now open for the class
	env.open(t)
}

func Test_Service_Update(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()
	s := env.open(t)

	loc := "Room 12"
	s, err := env.svc.Update(ctx, env.teacher.ID, s.ID, attendance.UpdateSession{Location: &loc})
	if err != nil {
		t.Fatalf("Update() failed, %v", err)
	}
	if s.Location != "Room 12" {
		t.Errorf("s.Location = %s, want Room 12", s.Location)
	}

	// scheduled_for only applies to scheduled sessions
	when := time.Now().UTC().Add(time.Hour)
	if _, err = env.svc.Update(ctx, env.teacher.ID, s.ID, attendance.UpdateSession{ScheduledFor: &when}); err == nil {
		t.Error("expected a validation error for scheduled_for on a quick session")
	}

	// administrative state override bypasses transition guards
	s, err = env.svc.Update(ctx, env.teacher.ID, s.ID, attendance.UpdateSession{State: attendance.StateCancelled})
	if err != nil {
		t.Fatalf("Update() failed, %v", err)
	}
	if s.State != attendance.StateCancelled {
		t.Errorf("s.State = %s, want %s", s.State, attendance.StateCancelled)
	}
}

func Test_Service_Delete(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()
	s := env.open(t)

	if err := env.svc.Delete(ctx, env.students[0].ID, s.ID); err == nil {
		t.Error("expected a permission error for non-owner")
	}

	if err := env.svc.Delete(ctx, env.teacher.ID, s.ID); err != nil {
		t.Fatalf("Delete() failed, %v", err)
	}
	if _, err := env.svc.GetByID(ctx, s.ID); err != attendance.ErrSessionNotFound {
		t.Errorf("GetByID() error = %v, want %v", err, attendance.ErrSessionNotFound)
	}
	hist, err := env.svc.StudentHistory(ctx, env.students[0].ID)
	if err != nil {
		t.Fatalf("StudentHistory() failed, %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("len(hist) = %d, want 0", len(hist))
	}
}

func Test_Service_Filter(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()
	s := env.open(t)

	got, err := env.svc.Filter(ctx, attendance.QueryFilter{ClassID: env.cls.ID, State: attendance.StateInProgress})
	if err != nil {
		t.Fatalf("Filter() failed, %v", err)
	}
	if len(got) != 1 || got[0].ID != s.ID {
		t.Errorf("unexpected sessions %+v", got)
	}

	got, err = env.svc.Filter(ctx, attendance.QueryFilter{State: attendance.StateCompleted})
	if err != nil {
		t.Fatalf("Filter() failed, %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
}
