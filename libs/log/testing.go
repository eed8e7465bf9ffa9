package log

import (
	"os"
	"testing"
)

// TestingLogger returns a logger which writes to STDOUT if the tests are run
// with the verbose (-v) flag, and discards all output otherwise.
//
// Note that the call to TestingLogger() must be made inside a test (not in
// the init func) because the verbose flag is only set at testing time.
func TestingLogger(t testing.TB) Logger {
	t.Helper()

	if testing.Verbose() {
		logger, err := NewLogger(LogFormatText, LogLevelDebug, os.Stdout)
		if err != nil {
			t.Fatalf("testing logger: %v", err)
		}
		return logger
	}

	return NewNopLogger()
}
