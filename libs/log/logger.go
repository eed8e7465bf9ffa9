package log

const (
	// LogFormatPlain defines a logging format used for human-readable
	// text-based logging that is not structured. Typically used within the
	// console.
	LogFormatPlain string = "plain"

	// LogFormatText defines a logging format used for human-readable
	// text-based logging that is not structured.
	LogFormatText string = "text"

	// LogFormatJSON defines a logging format for structured JSON-based
	// logging.
	LogFormatJSON string = "json"

	// Supported loging levels.
	LogLevelDebug string = "debug"
	LogLevelInfo  string = "info"
	LogLevelWarn  string = "warn"
	LogLevelError string = "error"
)

// Logger defines a generic logging interface compatible with Tendermint-style
// structured key/value logging.
type Logger interface {
	Debug(msg string, keyVals ...interface{})
	Info(msg string, keyVals ...interface{})
	Error(msg string, keyVals ...interface{})

	With(keyVals ...interface{}) Logger
}
