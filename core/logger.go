package core

// Logger is any service that can log leveled messages along with optional
// context args (an error, a map of extras, the acting user...).
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

type nopLogger struct{}

var _ Logger = (*nopLogger)(nil)

// NewNopLogger returns a Logger that discards everything. Handy in tests.
func NewNopLogger() *nopLogger { return &nopLogger{} }

func (l nopLogger) Enable(bool)                  {}
func (l nopLogger) Debug(string, ...interface{}) {}
func (l nopLogger) Info(string, ...interface{})  {}
func (l nopLogger) Warn(string, ...interface{})  {}
func (l nopLogger) Error(string, ...interface{}) {}
func (l nopLogger) Fatal(string, ...interface{}) {}
