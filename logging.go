package taskorch

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// NewLogger builds a leveled logger writing to w. Unknown level names fall
// back to info.
func NewLogger(w io.Writer, level string) *log.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "taskorch",
		ReportTimestamp: true,
	})
}

// defaultLogger reports warnings and errors to stderr.
func defaultLogger() *log.Logger {
	return NewLogger(os.Stderr, "warn")
}
