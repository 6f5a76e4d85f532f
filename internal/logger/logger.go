package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})

	level := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	switch level {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// ForProcess returns a logger whose every entry carries the process id, so
// cross-process relay logs can be stitched together per session.
func ForProcess(processID string) *logrus.Logger {
	l := New()
	l.AddHook(&processHook{processID: processID})
	return l
}

type processHook struct {
	processID string
}

func (h *processHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *processHook) Fire(e *logrus.Entry) error {
	e.Data["process_id"] = h.processID
	return nil
}
