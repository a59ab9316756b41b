package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/class"
	"github.com/trezcool/mahudhurio/core/stats"
	"github.com/trezcool/mahudhurio/core/user"
	dummydb "github.com/trezcool/mahudhurio/storage/database/dummy"
)

type testEnv struct {
	agg      *stats.Aggregator
	clsRepo  class.Repository
	histRepo attendance.HistoryRepository
	usrRepo  user.Repository
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed, %v", err)
	}
	usrRepo := dummydb.NewUserRepository(db)
	clsRepo := dummydb.NewClassRepository(db)
	histRepo := dummydb.NewHistoryRepository(db)

	return &testEnv{
		agg:      stats.NewAggregator(histRepo, clsRepo, usrRepo),
		clsRepo:  clsRepo,
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

func (env *testEnv) addHistory(t *testing.T, studentID, sessionID, status string) {
	t.Helper()

	err := env.histRepo.UpsertHistoryRecord(context.Background(), attendance.HistoryRecord{
		StudentID: studentID,
		SessionID: sessionID,
		ClassID:   "cls1",
		Status:    status,
		MarkedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertHistoryRecord() failed, %v", err)
	}
}

func (env *testEnv) acceptEntry(t *testing.T, classID, studentID string) {
	t.Helper()

	now := time.Now().UTC()
	_, err := env.clsRepo.UpsertEntry(context.Background(), class.EnrollmentEntry{
		ClassID:    classID,
		StudentID:  studentID,
		State:      class.StateAccepted,
		EnrolledAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("UpsertEntry() failed, %v", err)
	}
}

func Test_Aggregator_Recompute(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	stud := env.createStudent(t, "stud")

	env.addHistory(t, stud.ID, "s1", attendance.StatusPresent)
	env.addHistory(t, stud.ID, "s2", attendance.StatusPresent)
	env.addHistory(t, stud.ID, "s3", attendance.StatusPresent)
	env.addHistory(t, stud.ID, "s4", attendance.StatusAbsent)
	env.addHistory(t, stud.ID, "s5", attendance.StatusLate)
	env.addHistory(t, stud.ID, "s6", attendance.StatusExcused)
	env.acceptEntry(t, "cls1", stud.ID)
	env.acceptEntry(t, "cls2", stud.ID)

	got, err := env.agg.Recompute(ctx, stud.ID)
	if err != nil {
		t.Fatalf("Recompute() failed, %v", err)
	}
	want := user.CachedStats{
		SessionsCount:        6,
		Present:              3,
		Absent:               1,
		Late:                 1,
		Excused:              1,
		Percentage:           50, // round(3/6*100)
		EnrolledClassesCount: 2,
	}
	if got != want {
		t.Errorf("Recompute() = %+v, want %+v", got, want)
	}

	// the fresh value is persisted on the user
	usr, err := env.usrRepo.GetUserByID(ctx, stud.ID)
	if err != nil {
		t.Fatalf("GetUserByID() failed, %v", err)
	}
	if usr.Stats != want {
		t.Errorf("usr.Stats = %+v, want %+v", usr.Stats, want)
	}
}

func Test_Aggregator_Recompute_rounding(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	t.Run("one of three", func(t *testing.T) {
		stud := env.createStudent(t, "third")
		env.addHistory(t, stud.ID, "s1", attendance.StatusPresent)
		env.addHistory(t, stud.ID, "s2", attendance.StatusAbsent)
		env.addHistory(t, stud.ID, "s3", attendance.StatusAbsent)

		got, err := env.agg.Recompute(ctx, stud.ID)
		if err != nil {
			t.Fatalf("Recompute() failed, %v", err)
		}
		if got.Percentage != 33 { // round(1/3*100)
			t.Errorf("got.Percentage = %d, want 33", got.Percentage)
		}
	})

	t.Run("no sessions", func(t *testing.T) {
		stud := env.createStudent(t, "fresh")

		got, err := env.agg.Recompute(ctx, stud.ID)
		if err != nil {
			t.Fatalf("Recompute() failed, %v", err)
		}
		if got.SessionsCount != 0 || got.Percentage != 0 {
			t.Errorf("unexpected stats %+v", got)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := env.agg.Recompute(ctx, "nope"); err == nil {
			t.Error("expected an error for an unknown user")
		}
	})
}

func Test_Aggregator_BulkRecompute(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	stud1 := env.createStudent(t, "stud1")
	stud2 := env.createStudent(t, "stud2")
	env.addHistory(t, stud1.ID, "s1", attendance.StatusPresent)
	env.addHistory(t, stud2.ID, "s1", attendance.StatusAbsent)

	if err := env.agg.BulkRecompute(ctx, []string{stud1.ID, stud2.ID}); err != nil {
		t.Fatalf("BulkRecompute() failed, %v", err)
	}

	usr1, err := env.usrRepo.GetUserByID(ctx, stud1.ID)
	if err != nil {
		t.Fatalf("GetUserByID() failed, %v", err)
	}
	if usr1.Stats.Present != 1 || usr1.Stats.Percentage != 100 {
		t.Errorf("unexpected stats %+v", usr1.Stats)
	}
	usr2, err := env.usrRepo.GetUserByID(ctx, stud2.ID)
	if err != nil {
		t.Fatalf("GetUserByID() failed, %v", err)
	}
	if usr2.Stats.Absent != 1 || usr2.Stats.Percentage != 0 {
		t.Errorf("unexpected stats %+v", usr2.Stats)
	}

	if err = env.agg.BulkRecompute(ctx, nil); err != nil {
		t.Errorf("BulkRecompute() with no ids failed, %v", err)
	}
}
