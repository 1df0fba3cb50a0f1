package main

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the process logger from the app section. With log_file set
// the parent tees into a rotating file; children started by process-mode
// pools log to the inherited stderr only, since lumberjack must not be shared
// between processes.
func newLogger(app shigoto.AppConfig, stderr io.Writer) (*slog.Logger, io.Closer) {
	if app.LogFile == "" || shigoto.IsChild() {
		return shigoto.NewLogger(app.LogLevel, stderr), nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   app.LogFile,
		MaxSize:    app.LogMaxSizeMB,
		MaxBackups: app.LogMaxBackups,
		MaxAge:     app.LogMaxAgeDays,
	}
	return shigoto.NewLogger(app.LogLevel, io.MultiWriter(stderr, lj)), lj
}
