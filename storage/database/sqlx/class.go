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
	"github.com/trezcool/mahudhurio/core/class"
)

const (
	classColumns = `id, name, subject, owner_id, created_at, updated_at`
	entryColumns = `class_id, student_id, state, enrolled_at, created_at, updated_at`
)

type (
	classRow struct {
		ID        string      `db:"id"`
		Name      null.String `db:"name"`
		Subject   null.String `db:"subject"`
		OwnerID   string      `db:"owner_id"`
		CreatedAt null.Time   `db:"created_at"`
		UpdatedAt null.Time   `db:"updated_at"`
	}

	entryRow struct {
		ClassID    string    `db:"class_id"`
		StudentID  string    `db:"student_id"`
		State      string    `db:"state"`
		EnrolledAt null.Time `db:"enrolled_at"`
		CreatedAt  null.Time `db:"created_at"`
		UpdatedAt  null.Time `db:"updated_at"`
	}
)

func (row classRow) unpack() class.Class {
	return class.Class{
		ID:        row.ID,
		Name:      row.Name.String,
		Subject:   row.Subject.String,
		OwnerID:   row.OwnerID,
		CreatedAt: row.CreatedAt.Time,
		UpdatedAt: row.UpdatedAt.Time,
	}
}

func (row entryRow) unpack() class.EnrollmentEntry {
	return class.EnrollmentEntry{
		ClassID:    row.ClassID,
		StudentID:  row.StudentID,
		State:      row.State,
		EnrolledAt: row.EnrolledAt.Ptr(),
		CreatedAt:  row.CreatedAt.Time,
		UpdatedAt:  row.UpdatedAt.Time,
	}
}

type classRepository struct {
	db *sqlx.DB
}

var _ class.Repository = (*classRepository)(nil) // interface compliance check

func NewClassRepository(db *sqlx.DB) *classRepository {
	return &classRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to class.ErrNotFound
func (repo classRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return class.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// loadEntries attaches enrollment entries to the given classes in one query.
func (repo classRepository) loadEntries(ctx context.Context, classes []class.Class) ([]class.Class, error) {
	if len(classes) == 0 {
		return classes, nil
	}

	ids := make([]string, 0, len(classes))
	for _, cls := range classes {
		ids = append(ids, cls.ID)
	}
	query, args, err := sqlx.In(
		fmt.Sprintf(`SELECT %s FROM class_entries WHERE class_id IN (?)`, entryColumns), ids,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying enrollment entries")
	}

	var rows []entryRow
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "querying enrollment entries")
	}

	byClass := make(map[string][]class.EnrollmentEntry, len(classes))
	for _, row := range rows {
		byClass[row.ClassID] = append(byClass[row.ClassID], row.unpack())
	}
	for i := range classes {
		classes[i].Entries = byClass[classes[i].ID]
	}
	return classes, nil
}

func (repo classRepository) queryClasses(ctx context.Context, query string, args ...interface{}) ([]class.Class, error) {
	var rows []classRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying classes")
	}
	classes := make([]class.Class, 0, len(rows))
	for _, row := range rows {
		classes = append(classes, row.unpack())
	}
	return repo.loadEntries(ctx, classes)
}

func (repo classRepository) CreateClass(ctx context.Context, cls class.Class) (class.Class, error) {
	cls.ID = uuid.New().String()

	query := `
INSERT INTO classes (id, name, subject, owner_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := repo.db.ExecContext(ctx, query,
		cls.ID, cls.Name, cls.Subject, cls.OwnerID, cls.CreatedAt.UTC(), cls.UpdatedAt.UTC(),
	)
	if err != nil {
		return class.Class{}, errors.Wrap(err, "inserting class")
	}
	return cls, nil
}

func (repo classRepository) GetClassByID(ctx context.Context, id string) (class.Class, error) {
	var row classRow
	query := fmt.Sprintf(`SELECT %s FROM classes WHERE id = $1`, classColumns)
	if err := repo.db.GetContext(ctx, &row, query, id); err != nil {
		return class.Class{}, repo.trapNoRowsErr(err, "getting class")
	}

	classes, err := repo.loadEntries(ctx, []class.Class{row.unpack()})
	if err != nil {
		return class.Class{}, err
	}
	return classes[0], nil
}

func (repo classRepository) FilterClasses(ctx context.Context, filter class.QueryFilter, ordering ...core.DBOrdering) ([]class.Class, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		search := "%" + filter.Search + "%"
		conds = append(conds, fmt.Sprintf(`(name ILIKE %s OR subject ILIKE %s)`, arg(search), arg(search)))
	}
	if filter.Subject != "" {
		conds = append(conds, `LOWER(subject) = LOWER(`+arg(filter.Subject)+`)`)
	}
	if filter.OwnerID != "" {
		conds = append(conds, `owner_id = `+arg(filter.OwnerID))
	}

	query := fmt.Sprintf(`SELECT %s FROM classes`, classColumns)
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering)

	return repo.queryClasses(ctx, query, args...)
}

func (repo classRepository) QueryClassesByOwner(ctx context.Context, ownerID string) ([]class.Class, error) {
	query := fmt.Sprintf(`SELECT %s FROM classes WHERE owner_id = $1`, classColumns)
	return repo.queryClasses(ctx, query, ownerID)
}

func (repo classRepository) QueryClassesByStudent(ctx context.Context, studentID string, states ...string) ([]class.Class, error) {
	query := fmt.Sprintf(`
SELECT %s FROM classes
WHERE id IN (SELECT class_id FROM class_entries WHERE student_id = ?`, classColumns)
	args := []interface{}{studentID}

	if len(states) > 0 {
		query += ` AND state IN (?)`
		var err error
		if query, args, err = sqlx.In(query+`)`, studentID, states); err != nil {
			return nil, errors.Wrap(err, "querying classes")
		}
	} else {
		query += `)`
	}

	return repo.queryClasses(ctx, repo.db.Rebind(query), args...)
}

func (repo classRepository) UpdateClass(ctx context.Context, cls class.Class) (class.Class, error) {
	// only save set fields
	var (
		sets []string
		args []interface{}
	)
	set := func(column string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if cls.Name != "" {
		set("name", cls.Name)
	}
	if cls.Subject != "" {
		set("subject", cls.Subject)
	}
	if !cls.UpdatedAt.IsZero() {
		set("updated_at", cls.UpdatedAt.UTC())
	}
	if len(sets) == 0 {
		return repo.GetClassByID(ctx, cls.ID)
	}

	args = append(args, cls.ID)
	query := fmt.Sprintf(
		`UPDATE classes SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), classColumns,
	)

	var row classRow
	if err := repo.db.GetContext(ctx, &row, query, args...); err != nil {
		return class.Class{}, repo.trapNoRowsErr(err, "updating class")
	}

	classes, err := repo.loadEntries(ctx, []class.Class{row.unpack()})
	if err != nil {
		return class.Class{}, err
	}
	return classes[0], nil
}

func (repo classRepository) DeleteClassesByID(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	// class_entries rows go with their class via ON DELETE CASCADE
	query, args, err := sqlx.In(`DELETE FROM classes WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "deleting classes")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "deleting classes")
	}
	return nil
}

func (repo classRepository) UpsertEntry(ctx context.Context, entry class.EnrollmentEntry) (class.EnrollmentEntry, error) {
	query := `
INSERT INTO class_entries (class_id, student_id, state, enrolled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (class_id, student_id)
DO UPDATE SET state = EXCLUDED.state, enrolled_at = EXCLUDED.enrolled_at, updated_at = EXCLUDED.updated_at`
	_, err := repo.db.ExecContext(ctx, query,
		entry.ClassID, entry.StudentID, entry.State, null.TimeFromPtr(entry.EnrolledAt),
		entry.CreatedAt.UTC(), entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return class.EnrollmentEntry{}, errors.Wrap(err, "upserting enrollment entry")
	}
	return entry, nil
}

func (repo classRepository) GetEntry(ctx context.Context, classID, studentID string) (class.EnrollmentEntry, error) {
	var row entryRow
	query := fmt.Sprintf(`SELECT %s FROM class_entries WHERE class_id = $1 AND student_id = $2`, entryColumns)
	if err := repo.db.GetContext(ctx, &row, query, classID, studentID); err != nil {
		if err == sql.ErrNoRows {
			return class.EnrollmentEntry{}, class.ErrEntryNotFound
		}
		return class.EnrollmentEntry{}, errors.Wrap(err, "getting enrollment entry")
	}
	return row.unpack(), nil
}

func (repo classRepository) DeleteEntry(ctx context.Context, classID, studentID string) error {
	res, err := repo.db.ExecContext(ctx,
		`DELETE FROM class_entries WHERE class_id = $1 AND student_id = $2`, classID, studentID,
	)
	if err != nil {
		return errors.Wrap(err, "deleting enrollment entry")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return class.ErrEntryNotFound
	}
	return nil
}

func (repo classRepository) CountAcceptedEntriesByStudent(ctx context.Context, studentIDs ...string) (map[string]int, error) {
	counts := make(map[string]int, len(studentIDs))
	if len(studentIDs) == 0 {
		return counts, nil
	}

	query, args, err := sqlx.In(`
SELECT student_id, COUNT(*) AS count
FROM class_entries
WHERE state = ? AND student_id IN (?)
GROUP BY student_id`, class.StateAccepted, studentIDs)
	if err != nil {
		return nil, errors.Wrap(err, "counting enrollment entries")
	}

	var rows []struct {
		StudentID string `db:"student_id"`
		Count     int    `db:"count"`
	}
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "counting enrollment entries")
	}
	for _, row := range rows {
		counts[row.StudentID] = row.Count
	}
	return counts, nil
}
