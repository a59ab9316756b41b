package tests

import (
	"os"
	"testing"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/user"
)

func TestMain(m *testing.M) {
	core.InitValidators()
	user.InitValidators()
	attendance.InitValidators()
	os.Exit(m.Run())
}
