package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type (
	attendanceRepository struct {
		db *attendanceTable
	}

	historyRepository struct {
		db *attendanceTable
	}
)

var (
	_ attendance.Repository        = (*attendanceRepository)(nil) // interface compliance check
	_ attendance.HistoryRepository = (*historyRepository)(nil)
)

func NewAttendanceRepository(db *DB) *attendanceRepository {
	return &attendanceRepository{db: db.attendance}
}

func NewHistoryRepository(db *DB) *historyRepository {
	return &historyRepository{db: db.attendance}
}

func (repo *attendanceRepository) query() []attendance.Session {
	sessions := make([]attendance.Session, 0, len(repo.db.sessions))
	for _, s := range repo.db.sessions {
		sessions = append(sessions, *s)
	}
	// stable order; map iteration is random
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

func (repo *attendanceRepository) CreateSession(_ context.Context, s attendance.Session) (attendance.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	s.ID = uuid.New().String()
	for i := range s.Records {
		s.Records[i].SessionID = s.ID
	}
	repo.db.sessions[s.ID] = &s
	return s, nil
}

func (repo *attendanceRepository) GetSessionByID(_ context.Context, id string) (attendance.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if s, ok := repo.db.sessions[id]; ok {
		return *s, nil
	}
	return attendance.Session{}, attendance.ErrSessionNotFound
}

func (repo *attendanceRepository) GetInProgressSessionByClass(_ context.Context, classID string) (attendance.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, s := range repo.query() {
		if s.ClassID == classID && s.State == attendance.StateInProgress {
			return s, nil
		}
	}
	return attendance.Session{}, attendance.ErrSessionNotFound
}

func (repo *attendanceRepository) FilterSessions(_ context.Context, filter attendance.QueryFilter, _ ...core.DBOrdering) ([]attendance.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var sessions []attendance.Session
	for _, s := range repo.query() {
		if filter.ClassID != "" && s.ClassID != filter.ClassID {
			continue
		}
		if filter.OwnerID != "" && s.OwnerID != filter.OwnerID {
			continue
		}
		if filter.State != "" && !strings.EqualFold(s.State, filter.State) {
			continue
		}
		if filter.Type != "" && !strings.EqualFold(s.Type, filter.Type) {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (repo *attendanceRepository) QuerySessionsByClass(_ context.Context, classIDs ...string) ([]attendance.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var sessions []attendance.Session
	for _, s := range repo.query() {
		for _, classID := range classIDs {
			if s.ClassID == classID {
				sessions = append(sessions, s)
				break
			}
		}
	}
	return sessions, nil
}

func (repo *attendanceRepository) UpdateSession(_ context.Context, s attendance.Session) (attendance.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	origSess, ok := repo.db.sessions[s.ID]
	if !ok {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	origSess.State = s.State
	origSess.AttendanceDate = s.AttendanceDate
	origSess.ScheduledFor = s.ScheduledFor
	origSess.FinishedAt = s.FinishedAt
	origSess.DurationMinutes = s.DurationMinutes
	origSess.Location = s.Location
	origSess.Notes = s.Notes
	origSess.Totals = s.Totals
	if !s.UpdatedAt.IsZero() {
		origSess.UpdatedAt = s.UpdatedAt
	}
	return *origSess, nil
}

func (repo *attendanceRepository) DeleteSessionsByID(_ context.Context, ids ...string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	for _, id := range ids {
		delete(repo.db.sessions, id)
	}
	return nil
}

func (repo *attendanceRepository) UpsertStudentRecord(_ context.Context, rec attendance.StudentRecord) (attendance.StudentRecord, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	s, ok := repo.db.sessions[rec.SessionID]
	if !ok {
		return attendance.StudentRecord{}, attendance.ErrSessionNotFound
	}
	for i := range s.Records {
		if s.Records[i].StudentID == rec.StudentID {
			s.Records[i] = rec
			return rec, nil
		}
	}
	s.Records = append(s.Records, rec)
	return rec, nil
}

func (repo *attendanceRepository) DeleteStudentRecords(_ context.Context, sessionID string, studentIDs ...string) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	s, ok := repo.db.sessions[sessionID]
	if !ok {
		return 0, attendance.ErrSessionNotFound
	}

	var removed int
	kept := s.Records[:0]
	for _, rec := range s.Records {
		var match bool
		for _, studentID := range studentIDs {
			if rec.StudentID == studentID {
				match = true
				break
			}
		}
		if match {
			removed++
		} else {
			kept = append(kept, rec)
		}
	}
	s.Records = kept
	return removed, nil
}

func (repo *historyRepository) UpsertHistoryRecord(_ context.Context, rec attendance.HistoryRecord) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.history[historyKey(rec.SessionID, rec.StudentID)] = &rec
	return nil
}

func (repo *historyRepository) DeleteHistoryRecords(_ context.Context, sessionID string, studentIDs ...string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, studentID := range studentIDs {
		delete(repo.db.history, historyKey(sessionID, studentID))
	}
	return nil
}

func (repo *historyRepository) DeleteHistoryBySession(_ context.Context, sessionIDs ...string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for key, rec := range repo.db.history {
		for _, sessionID := range sessionIDs {
			if rec.SessionID == sessionID {
				delete(repo.db.history, key)
				break
			}
		}
	}
	return nil
}

func (repo *historyRepository) QueryHistoryByStudent(_ context.Context, studentID string, _ ...core.DBOrdering) ([]attendance.HistoryRecord, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var records []attendance.HistoryRecord
	for _, rec := range repo.db.history {
		if rec.StudentID == studentID {
			records = append(records, *rec)
		}
	}
	// stable order; map iteration is random
	sort.Slice(records, func(i, j int) bool {
		if records[i].MarkedAt.Equal(records[j].MarkedAt) {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].MarkedAt.Before(records[j].MarkedAt)
	})
	return records, nil
}

func (repo *historyRepository) AggregateStatusCounts(_ context.Context, studentIDs ...string) (map[string]attendance.StatusCounts, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	counts := make(map[string]attendance.StatusCounts, len(studentIDs))
	for _, rec := range repo.db.history {
		for _, studentID := range studentIDs {
			if rec.StudentID != studentID {
				continue
			}
			sc := counts[studentID]
			sc.Sessions++
			switch rec.Status {
			case attendance.StatusPresent:
				sc.Present++
			case attendance.StatusAbsent:
				sc.Absent++
			case attendance.StatusLate:
				sc.Late++
			case attendance.StatusExcused:
				sc.Excused++
			}
			counts[studentID] = sc
			break
		}
	}
	return counts, nil
}
