package cluster

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// RaftLogger lets raft log through zap.
type RaftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
	args   []interface{}
}

var _ hclog.Logger = (*RaftLogger)(nil)

// NewRaftLogger wraps a zap logger. The initial level is the most verbose
// level the zap core has enabled.
func NewRaftLogger(logger *zap.Logger) *RaftLogger {
	lvl := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		lvl = zap.DebugLevel
	}
	return &RaftLogger{logger: logger, level: zap.NewAtomicLevelAt(lvl)}
}

func (z *RaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	z.log(zapLevel(level), msg, args...)
}

func (z *RaftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *RaftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *RaftLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *RaftLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *RaftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *RaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	// bolt reports every closed read transaction at debug level
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(fields(args)...)
	}
}

func (z *RaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *RaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *RaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *RaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *RaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *RaftLogger) ImpliedArgs() []interface{} { return z.args }

func (z *RaftLogger) With(args ...interface{}) hclog.Logger {
	return &RaftLogger{
		logger: z.logger.With(fields(args)...),
		name:   z.name,
		level:  z.level,
		args:   append(append([]interface{}(nil), z.args...), args...),
	}
}

func (z *RaftLogger) Name() string { return z.name }

func (z *RaftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &RaftLogger{logger: z.logger.Named(name), name: full, level: z.level, args: z.args}
}

func (z *RaftLogger) ResetNamed(name string) hclog.Logger {
	return &RaftLogger{logger: z.logger.Named(name), name: name, level: z.level, args: z.args}
}

func (z *RaftLogger) SetLevel(level hclog.Level) { z.level.SetLevel(zapLevel(level)) }

func (z *RaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	}
	return hclog.NoLevel
}

func (z *RaftLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return zap.NewStdLog(z.logger)
}

func (z *RaftLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &zapio.Writer{Log: z.logger, Level: zap.InfoLevel}
}

func zapLevel(level hclog.Level) zapcore.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return zap.DebugLevel
	case hclog.Warn:
		return zap.WarnLevel
	case hclog.Error:
		return zap.ErrorLevel
	}
	return zap.InfoLevel
}

// fields turns hclog key/value pairs into zap fields.
func fields(args []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			out = append(out, zap.String(key, "(missing)"))
			break
		}
		out = append(out, zap.Any(key, args[i+1]))
	}
	return out
}
