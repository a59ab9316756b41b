package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

const (
	sessionColumns = `id, class_id, owner_id, type, state, attendance_date, scheduled_for,
started_at, finished_at, duration_minutes, location, notes,
total_students, total_present, total_absent, total_late, total_excused, total_percentage,
created_at, updated_at`
	recordColumns  = `session_id, student_id, status, marked_at, notes`
	historyColumns = `student_id, session_id, class_id, status, marked_at, notes`
)

type (
	sessionRow struct {
		ID              string      `db:"id"`
		ClassID         string      `db:"class_id"`
		OwnerID         string      `db:"owner_id"`
		Type            string      `db:"type"`
		State           string      `db:"state"`
		AttendanceDate  null.Time   `db:"attendance_date"`
		ScheduledFor    null.Time   `db:"scheduled_for"`
		StartedAt       null.Time   `db:"started_at"`
		FinishedAt      null.Time   `db:"finished_at"`
		DurationMinutes int         `db:"duration_minutes"`
		Location        null.String `db:"location"`
		Notes           null.String `db:"notes"`

		TotalStudents   int `db:"total_students"`
		TotalPresent    int `db:"total_present"`
		TotalAbsent     int `db:"total_absent"`
		TotalLate       int `db:"total_late"`
		TotalExcused    int `db:"total_excused"`
		TotalPercentage int `db:"total_percentage"`

		CreatedAt null.Time `db:"created_at"`
		UpdatedAt null.Time `db:"updated_at"`
	}

	recordRow struct {
		SessionID string      `db:"session_id"`
		StudentID string      `db:"student_id"`
		Status    string      `db:"status"`
		MarkedAt  null.Time   `db:"marked_at"`
		Notes     null.String `db:"notes"`
	}

	historyRow struct {
		StudentID string      `db:"student_id"`
		SessionID string      `db:"session_id"`
		ClassID   string      `db:"class_id"`
		Status    string      `db:"status"`
		MarkedAt  null.Time   `db:"marked_at"`
		Notes     null.String `db:"notes"`
	}
)

func (row sessionRow) unpack() attendance.Session {
	return attendance.Session{
		ID:              row.ID,
		ClassID:         row.ClassID,
		OwnerID:         row.OwnerID,
		Type:            row.Type,
		State:           row.State,
		AttendanceDate:  row.AttendanceDate.Time,
		ScheduledFor:    row.ScheduledFor.Ptr(),
		StartedAt:       row.StartedAt.Time,
		FinishedAt:      row.FinishedAt.Ptr(),
		DurationMinutes: row.DurationMinutes,
		Location:        row.Location.String,
		Notes:           row.Notes.String,
		Totals: attendance.Totals{
			Students:   row.TotalStudents,
			Present:    row.TotalPresent,
			Absent:     row.TotalAbsent,
			Late:       row.TotalLate,
			Excused:    row.TotalExcused,
			Percentage: row.TotalPercentage,
		},
		CreatedAt: row.CreatedAt.Time,
		UpdatedAt: row.UpdatedAt.Time,
	}
}

func (row recordRow) unpack() attendance.StudentRecord {
	return attendance.StudentRecord{
		SessionID: row.SessionID,
		StudentID: row.StudentID,
		Status:    row.Status,
		MarkedAt:  row.MarkedAt.Ptr(),
		Notes:     row.Notes.String,
	}
}

func (row historyRow) unpack() attendance.HistoryRecord {
	return attendance.HistoryRecord{
		StudentID: row.StudentID,
		SessionID: row.SessionID,
		ClassID:   row.ClassID,
		Status:    row.Status,
		MarkedAt:  row.MarkedAt.Time,
		Notes:     row.Notes.String,
	}
}

type attendanceRepository struct {
	db *sqlx.DB
}

var _ attendance.Repository = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db *sqlx.DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to attendance.ErrSessionNotFound
func (repo attendanceRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return attendance.ErrSessionNotFound
	}
	return errors.Wrap(err, msg)
}

// loadRecords attaches student records to the given sessions in one query.
func (repo attendanceRepository) loadRecords(ctx context.Context, sessions []attendance.Session) ([]attendance.Session, error) {
	if len(sessions) == 0 {
		return sessions, nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	query, args, err := sqlx.In(
		fmt.Sprintf(`SELECT %s FROM session_records WHERE session_id IN (?)`, recordColumns), ids,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying session records")
	}

	var rows []recordRow
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "querying session records")
	}

	bySession := make(map[string][]attendance.StudentRecord, len(sessions))
	for _, row := range rows {
		bySession[row.SessionID] = append(bySession[row.SessionID], row.unpack())
	}
	for i := range sessions {
		sessions[i].Records = bySession[sessions[i].ID]
	}
	return sessions, nil
}

func (repo attendanceRepository) querySessions(ctx context.Context, query string, args ...interface{}) ([]attendance.Session, error) {
	var rows []sessionRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}
	sessions := make([]attendance.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.unpack())
	}
	return repo.loadRecords(ctx, sessions)
}

func (repo attendanceRepository) getSession(ctx context.Context, where string, args ...interface{}) (attendance.Session, error) {
	var row sessionRow
	query := fmt.Sprintf(`SELECT %s FROM attendance_sessions WHERE %s`, sessionColumns, where)
	if err := repo.db.GetContext(ctx, &row, query, args...); err != nil {
		return attendance.Session{}, repo.trapNoRowsErr(err, "getting session")
	}

	sessions, err := repo.loadRecords(ctx, []attendance.Session{row.unpack()})
	if err != nil {
		return attendance.Session{}, err
	}
	return sessions[0], nil
}

func (repo attendanceRepository) CreateSession(ctx context.Context, s attendance.Session) (attendance.Session, error) {
	s.ID = uuid.New().String()

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "inserting session")
	}
	defer func() { _ = tx.Rollback() }()

	query := `
INSERT INTO attendance_sessions (
	id, class_id, owner_id, type, state, attendance_date, scheduled_for,
	started_at, finished_at, duration_minutes, location, notes,
	total_students, total_present, total_absent, total_late, total_excused, total_percentage,
	created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err = tx.ExecContext(ctx, query,
		s.ID, s.ClassID, s.OwnerID, s.Type, s.State, s.AttendanceDate.UTC(), null.TimeFromPtr(s.ScheduledFor),
		s.StartedAt.UTC(), null.TimeFromPtr(s.FinishedAt), s.DurationMinutes, s.Location, s.Notes,
		s.Totals.Students, s.Totals.Present, s.Totals.Absent, s.Totals.Late, s.Totals.Excused, s.Totals.Percentage,
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "inserting session")
	}

	recQuery := fmt.Sprintf(`INSERT INTO session_records (%s) VALUES ($1, $2, $3, $4, $5)`, recordColumns)
	for i := range s.Records {
		s.Records[i].SessionID = s.ID
		rec := s.Records[i]
		if _, err = tx.ExecContext(ctx, recQuery,
			rec.SessionID, rec.StudentID, rec.Status, null.TimeFromPtr(rec.MarkedAt), rec.Notes,
		); err != nil {
			return attendance.Session{}, errors.Wrap(err, "inserting session records")
		}
	}

	if err = tx.Commit(); err != nil {
		return attendance.Session{}, errors.Wrap(err, "inserting session")
	}
	return s, nil
}

func (repo attendanceRepository) GetSessionByID(ctx context.Context, id string) (attendance.Session, error) {
	return repo.getSession(ctx, `id = $1`, id)
}

func (repo attendanceRepository) GetInProgressSessionByClass(ctx context.Context, classID string) (attendance.Session, error) {
	return repo.getSession(ctx, `class_id = $1 AND state = $2`, classID, attendance.StateInProgress)
}

func (repo attendanceRepository) FilterSessions(ctx context.Context, filter attendance.QueryFilter, ordering ...core.DBOrdering) ([]attendance.Session, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ClassID != "" {
		conds = append(conds, `class_id = `+arg(filter.ClassID))
	}
	if filter.OwnerID != "" {
		conds = append(conds, `owner_id = `+arg(filter.OwnerID))
	}
	if filter.State != "" {
		conds = append(conds, `state = `+arg(filter.State))
	}
	if filter.Type != "" {
		conds = append(conds, `type = `+arg(filter.Type))
	}

	query := fmt.Sprintf(`SELECT %s FROM attendance_sessions`, sessionColumns)
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering)

	return repo.querySessions(ctx, query, args...)
}

func (repo attendanceRepository) QuerySessionsByClass(ctx context.Context, classIDs ...string) ([]attendance.Session, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		fmt.Sprintf(`SELECT %s FROM attendance_sessions WHERE class_id IN (?)`, sessionColumns), classIDs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}
	return repo.querySessions(ctx, repo.db.Rebind(query), args...)
}

func (repo attendanceRepository) UpdateSession(ctx context.Context, s attendance.Session) (attendance.Session, error) {
	query := `
UPDATE attendance_sessions
SET state = $1, attendance_date = $2, scheduled_for = $3, finished_at = $4, duration_minutes = $5,
    location = $6, notes = $7,
    total_students = $8, total_present = $9, total_absent = $10, total_late = $11,
    total_excused = $12, total_percentage = $13,
    updated_at = $14
WHERE id = $15`
	res, err := repo.db.ExecContext(ctx, query,
		s.State, s.AttendanceDate.UTC(), null.TimeFromPtr(s.ScheduledFor), null.TimeFromPtr(s.FinishedAt), s.DurationMinutes,
		s.Location, s.Notes,
		s.Totals.Students, s.Totals.Present, s.Totals.Absent, s.Totals.Late,
		s.Totals.Excused, s.Totals.Percentage,
		s.UpdatedAt.UTC(), s.ID,
	)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "updating session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	return repo.GetSessionByID(ctx, s.ID)
}

func (repo attendanceRepository) DeleteSessionsByID(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	// session_records rows go with their session via ON DELETE CASCADE
	query, args, err := sqlx.In(`DELETE FROM attendance_sessions WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "deleting sessions")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "deleting sessions")
	}
	return nil
}

func (repo attendanceRepository) UpsertStudentRecord(ctx context.Context, rec attendance.StudentRecord) (attendance.StudentRecord, error) {
	query := `
INSERT INTO session_records (session_id, student_id, status, marked_at, notes)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, student_id)
DO UPDATE SET status = EXCLUDED.status, marked_at = EXCLUDED.marked_at, notes = EXCLUDED.notes`
	_, err := repo.db.ExecContext(ctx, query,
		rec.SessionID, rec.StudentID, rec.Status, null.TimeFromPtr(rec.MarkedAt), rec.Notes,
	)
	if err != nil {
		return attendance.StudentRecord{}, errors.Wrap(err, "upserting session record")
	}
	return rec, nil
}

func (repo attendanceRepository) DeleteStudentRecords(ctx context.Context, sessionID string, studentIDs ...string) (int, error) {
	if len(studentIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM session_records WHERE session_id = ? AND student_id IN (?)`, sessionID, studentIDs,
	)
	if err != nil {
		return 0, errors.Wrap(err, "deleting session records")
	}
	res, err := repo.db.ExecContext(ctx, repo.db.Rebind(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting session records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "deleting session records")
	}
	return int(n), nil
}

type historyRepository struct {
	db *sqlx.DB
}

var _ attendance.HistoryRepository = (*historyRepository)(nil) // interface compliance check

func NewHistoryRepository(db *sqlx.DB) *historyRepository {
	return &historyRepository{db: db}
}

func (repo historyRepository) UpsertHistoryRecord(ctx context.Context, rec attendance.HistoryRecord) error {
	query := `
INSERT INTO history_records (student_id, session_id, class_id, status, marked_at, notes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, student_id)
DO UPDATE SET status = EXCLUDED.status, marked_at = EXCLUDED.marked_at, notes = EXCLUDED.notes`
	_, err := repo.db.ExecContext(ctx, query,
		rec.StudentID, rec.SessionID, rec.ClassID, rec.Status, rec.MarkedAt.UTC(), rec.Notes,
	)
	return errors.Wrap(err, "upserting history record")
}

func (repo historyRepository) DeleteHistoryRecords(ctx context.Context, sessionID string, studentIDs ...string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM history_records WHERE session_id = ? AND student_id IN (?)`, sessionID, studentIDs,
	)
	if err != nil {
		return errors.Wrap(err, "deleting history records")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "deleting history records")
	}
	return nil
}

func (repo historyRepository) DeleteHistoryBySession(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM history_records WHERE session_id IN (?)`, sessionIDs)
	if err != nil {
		return errors.Wrap(err, "deleting history records")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "deleting history records")
	}
	return nil
}

func (repo historyRepository) QueryHistoryByStudent(ctx context.Context, studentID string, ordering ...core.DBOrdering) ([]attendance.HistoryRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM history_records WHERE student_id = $1`, historyColumns)
	query += orderBy(ordering)

	var rows []historyRow
	if err := repo.db.SelectContext(ctx, &rows, query, studentID); err != nil {
		return nil, errors.Wrap(err, "querying history records")
	}
	records := make([]attendance.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.unpack())
	}
	return records, nil
}

func (repo historyRepository) AggregateStatusCounts(ctx context.Context, studentIDs ...string) (map[string]attendance.StatusCounts, error) {
	counts := make(map[string]attendance.StatusCounts, len(studentIDs))
	if len(studentIDs) == 0 {
		return counts, nil
	}

	query, args, err := sqlx.In(`
SELECT student_id,
       COUNT(*)                                        AS sessions,
       COUNT(*) FILTER (WHERE status = 'present')      AS present,
       COUNT(*) FILTER (WHERE status = 'absent')       AS absent,
       COUNT(*) FILTER (WHERE status = 'late')         AS late,
       COUNT(*) FILTER (WHERE status = 'excused')      AS excused
FROM history_records
WHERE student_id IN (?)
GROUP BY student_id`, studentIDs)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating history records")
	}

	var rows []struct {
		StudentID string `db:"student_id"`
		Sessions  int    `db:"sessions"`
		Present   int    `db:"present"`
		Absent    int    `db:"absent"`
		Late      int    `db:"late"`
		Excused   int    `db:"excused"`
	}
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "aggregating history records")
	}
	for _, row := range rows {
		counts[row.StudentID] = attendance.StatusCounts{
			Sessions: row.Sessions,
			Present:  row.Present,
			Absent:   row.Absent,
			Late:     row.Late,
			Excused:  row.Excused,
		}
	}
	return counts, nil
}
