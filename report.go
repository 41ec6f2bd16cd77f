package bussun

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Reporter is the diagnostic sink. Reportf is informational; Fatal halts the
// host and does not return in production.
type Reporter interface {
	Reportf(format string, args ...interface{})
	Fatal(msg string)
}

type logReporter struct {
	logger *zap.Logger
}

// NewLogReporter reports through logger. Fatal logs at fatal level, which
// exits the process.
func NewLogReporter(logger *zap.Logger) Reporter {
	return &logReporter{logger: logger}
}

func (r *logReporter) Reportf(format string, args ...interface{}) {
	r.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (r *logReporter) Fatal(msg string) {
	r.logger.Fatal(strings.ReplaceAll(strings.TrimSpace(msg), "\n\n", ": "))
}
