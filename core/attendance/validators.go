package attendance

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mahudhurio/core"
)

var (
	sessionTypeTag  = "sessiontype"
	sessionTypeText = "invalid session type"

	sessionStateTag  = "sessionstate"
	sessionStateText = "invalid session state"

	statusTag  = "attstatus"
	statusText = "invalid attendance status"
)

// InitValidators registers this package's custom validators on core.Validate.
// core.InitValidators must have been called first.
func InitValidators() {
	_ = core.Validate.RegisterValidation(sessionTypeTag, oneOfValidation(SessionTypes))
	core.RegisterCustomTranslation(sessionTypeTag, sessionTypeText)

	_ = core.Validate.RegisterValidation(sessionStateTag, oneOfValidation(SessionStates))
	core.RegisterCustomTranslation(sessionStateTag, sessionStateText)

	_ = core.Validate.RegisterValidation(statusTag, oneOfValidation(Statuses))
	core.RegisterCustomTranslation(statusTag, statusText)
}

func oneOfValidation(allowed []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		val := fl.Field().String()
		for _, s := range allowed {
			if s == val {
				return true
			}
		}
		return false
	}
}
