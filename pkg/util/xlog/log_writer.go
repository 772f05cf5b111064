package xlog

import (
	"strings"

	"github.com/arunabot/arunacore/pkg/util"
)

// LogWriter forwards writes to the logger at a fixed level, one entry per write.
// It lets stdlib consumers such as http.Server.ErrorLog feed the broker log.
type LogWriter struct {
	xl      *util.Logger
	logFunc func(string)
}

func (w LogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.logFunc(msg)
	}
	return len(p), nil
}

func NewDebugWriter(xl *util.Logger) LogWriter {
	return LogWriter{
		xl:      xl,
		logFunc: func(msg string) { xl.Debugf("%s", msg) },
	}
}

func NewInfoWriter(xl *util.Logger) LogWriter {
	return LogWriter{
		xl:      xl,
		logFunc: func(msg string) { xl.Infof("%s", msg) },
	}
}

func NewWarnWriter(xl *util.Logger) LogWriter {
	return LogWriter{
		xl:      xl,
		logFunc: func(msg string) { xl.Warnf("%s", msg) },
	}
}
