package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/class"
)

type classRepository struct {
	db       *classTable
	sessions *attendanceTable
}

var _ class.Repository = (*classRepository)(nil) // interface compliance check

func NewClassRepository(db *DB) *classRepository {
	return &classRepository{db: db.class, sessions: db.attendance}
}

func (repo *classRepository) query() []class.Class {
	classes := make([]class.Class, 0, len(repo.db.table))
	for _, c := range repo.db.table {
		classes = append(classes, *c)
	}
	// stable order; map iteration is random
	sort.Slice(classes, func(i, j int) bool {
		if classes[i].CreatedAt.Equal(classes[j].CreatedAt) {
			return classes[i].ID < classes[j].ID
		}
		return classes[i].CreatedAt.Before(classes[j].CreatedAt)
	})
	return classes
}

func (repo *classRepository) CreateClass(_ context.Context, cls class.Class) (class.Class, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	cls.ID = uuid.New().String()
	repo.db.table[cls.ID] = &cls
	return cls, nil
}

func (repo *classRepository) GetClassByID(_ context.Context, id string) (class.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if cls, ok := repo.db.table[id]; ok {
		return *cls, nil
	}
	return class.Class{}, class.ErrNotFound
}

func (repo *classRepository) FilterClasses(_ context.Context, filter class.QueryFilter, _ ...core.DBOrdering) ([]class.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	classes := repo.query()

	// classes with search keyword matching Name or Subject ?
	if filter.Search != "" {
		var filtered []class.Class
		for _, c := range classes {
			if strings.Contains(strings.ToLower(c.Name), strings.ToLower(filter.Search)) ||
				strings.Contains(strings.ToLower(c.Subject), strings.ToLower(filter.Search)) {
				filtered = append(filtered, c)
			}
		}
		classes = filtered
	}
	if classes != nil && filter.Subject != "" {
		var filtered []class.Class
		for _, c := range classes {
			if strings.EqualFold(c.Subject, filter.Subject) {
				filtered = append(filtered, c)
			}
		}
		classes = filtered
	}
	if classes != nil && filter.OwnerID != "" {
		var filtered []class.Class
		for _, c := range classes {
			if c.OwnerID == filter.OwnerID {
				filtered = append(filtered, c)
			}
		}
		classes = filtered
	}

	return classes, nil
}

func (repo *classRepository) QueryClassesByOwner(_ context.Context, ownerID string) ([]class.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var classes []class.Class
	for _, c := range repo.query() {
		if c.OwnerID == ownerID {
			classes = append(classes, c)
		}
	}
	return classes, nil
}

func (repo *classRepository) QueryClassesByStudent(_ context.Context, studentID string, states ...string) ([]class.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var classes []class.Class
	for _, c := range repo.query() {
		entry, ok := c.Entry(studentID)
		if !ok {
			continue
		}
		if len(states) == 0 {
			classes = append(classes, c)
			continue
		}
		for _, state := range states {
			if entry.State == state {
				classes = append(classes, c)
				break
			}
		}
	}
	return classes, nil
}

func (repo *classRepository) UpdateClass(_ context.Context, cls class.Class) (class.Class, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	origCls, ok := repo.db.table[cls.ID]
	if !ok {
		return class.Class{}, class.ErrNotFound
	}
	if cls.Name != "" {
		origCls.Name = cls.Name
	}
	if cls.Subject != "" {
		origCls.Subject = cls.Subject
	}
	if !cls.UpdatedAt.IsZero() {
		origCls.UpdatedAt = cls.UpdatedAt
	}

	repo.db.table[cls.ID] = origCls
	return *origCls, nil
}

func (repo *classRepository) DeleteClassesByID(_ context.Context, ids ...string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	repo.sessions.Lock()
	defer repo.sessions.Unlock()

	for _, id := range ids {
		delete(repo.db.table, id)
		// the schema cascades session rows with their class; history rows carry
		// no session FK and stay until deleted explicitly
		for sessionID, s := range repo.sessions.sessions {
			if s.ClassID == id {
				delete(repo.sessions.sessions, sessionID)
			}
		}
	}
	return nil
}

func (repo *classRepository) UpsertEntry(_ context.Context, entry class.EnrollmentEntry) (class.EnrollmentEntry, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	cls, ok := repo.db.table[entry.ClassID]
	if !ok {
		return class.EnrollmentEntry{}, class.ErrNotFound
	}
	for i := range cls.Entries {
		if cls.Entries[i].StudentID == entry.StudentID {
			cls.Entries[i] = entry
			return entry, nil
		}
	}
	cls.Entries = append(cls.Entries, entry)
	return entry, nil
}

func (repo *classRepository) GetEntry(_ context.Context, classID, studentID string) (class.EnrollmentEntry, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	cls, ok := repo.db.table[classID]
	if !ok {
		return class.EnrollmentEntry{}, class.ErrNotFound
	}
	if entry, ok := cls.Entry(studentID); ok {
		return entry, nil
	}
	return class.EnrollmentEntry{}, class.ErrEntryNotFound
}

func (repo *classRepository) DeleteEntry(_ context.Context, classID, studentID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	cls, ok := repo.db.table[classID]
	if !ok {
		return class.ErrNotFound
	}
	for i := range cls.Entries {
		if cls.Entries[i].StudentID == studentID {
			cls.Entries = append(cls.Entries[:i], cls.Entries[i+1:]...)
			return nil
		}
	}
	return class.ErrEntryNotFound
}

func (repo *classRepository) CountAcceptedEntriesByStudent(_ context.Context, studentIDs ...string) (map[string]int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	counts := make(map[string]int, len(studentIDs))
	for _, c := range repo.query() {
		for _, studentID := range studentIDs {
			if entry, ok := c.Entry(studentID); ok && entry.State == class.StateAccepted {
				counts[studentID]++
			}
		}
	}
	return counts, nil
}
