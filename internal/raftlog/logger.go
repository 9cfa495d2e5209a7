package raftlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// raftLogger routes etcd raft's logging into slog. Raft info chatter is
// demoted to debug.
type raftLogger struct {
	log *slog.Logger
}

func newRaftLogger(l *slog.Logger) *raftLogger {
	return &raftLogger{log: l.With("component", "raft")}
}

func (r *raftLogger) emit(level slog.Level, msg string) {
	r.log.Log(context.Background(), level, msg)
}

func (r *raftLogger) Debug(v ...interface{}) { r.emit(slog.LevelDebug, fmt.Sprint(v...)) }

func (r *raftLogger) Debugf(format string, v ...interface{}) {
	r.emit(slog.LevelDebug, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Info(v ...interface{}) { r.emit(slog.LevelDebug, fmt.Sprint(v...)) }

func (r *raftLogger) Infof(format string, v ...interface{}) {
	r.emit(slog.LevelDebug, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Warning(v ...interface{}) { r.emit(slog.LevelWarn, fmt.Sprint(v...)) }

func (r *raftLogger) Warningf(format string, v ...interface{}) {
	r.emit(slog.LevelWarn, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Error(v ...interface{}) { r.emit(slog.LevelError, fmt.Sprint(v...)) }

func (r *raftLogger) Errorf(format string, v ...interface{}) {
	r.emit(slog.LevelError, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Fatal(v ...interface{}) {
	r.emit(slog.LevelError, fmt.Sprint(v...))
	os.Exit(1)
}

func (r *raftLogger) Fatalf(format string, v ...interface{}) {
	r.emit(slog.LevelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (r *raftLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	r.emit(slog.LevelError, msg)
	panic(msg)
}

func (r *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	r.emit(slog.LevelError, msg)
	panic(msg)
}
