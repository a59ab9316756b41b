package dummydb

import (
	"sync"

	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/class"
	"github.com/trezcool/mahudhurio/core/user"
)

type (
	DB struct {
		user       *userTable
		class      *classTable
		attendance *attendanceTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	classTable struct {
		sync.RWMutex
		table map[string]*class.Class
	}

	attendanceTable struct {
		sync.RWMutex
		sessions map[string]*attendance.Session
		history  map[string]*attendance.HistoryRecord // keyed session/student
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:  &userTable{table: make(map[string]*user.User)},
		class: &classTable{table: make(map[string]*class.Class)},
		attendance: &attendanceTable{
			sessions: make(map[string]*attendance.Session),
			history:  make(map[string]*attendance.HistoryRecord),
		},
	}
	return db, nil
}

func historyKey(sessionID, studentID string) string {
	return sessionID + "/" + studentID
}
