// Package logger provides the process-wide logging facility. Messages fan
// out to syslog, stderr, and a size-capped rotating file; sinks that cannot
// be opened are skipped so the remaining ones still work.
package logger

import (
	"log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFilePath    = "/var/local/data/updata/logs"
	maxLogFileSize = 5 // megabytes
	maxLogBackups  = 2
	syslogTag      = "updaTA"
)

var sugar *zap.SugaredLogger

func init() {
	sugar = zap.New(zapcore.NewCore(newEncoder(),
		zapcore.AddSync(os.Stderr), zapcore.InfoLevel)).Sugar()
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// Init wires up the full sink fanout. Binaries call it once at startup;
// before that, messages go to stderr only.
func Init() {
	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}

	if w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, syslogTag); err == nil {
		writers = append(writers, zapcore.AddSync(w))
	}

	writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    maxLogFileSize,
		MaxBackups: maxLogBackups,
	}))

	core := zapcore.NewCore(newEncoder(),
		zapcore.NewMultiWriteSyncer(writers...), zapcore.InfoLevel)
	sugar = zap.New(core).Sugar()
}

// Log emits an informational message.
func Log(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

// Errormsg emits an error message.
func Errormsg(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}
