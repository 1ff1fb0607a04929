package log

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	mu          sync.RWMutex
	verbose     = false
	disableLogs = false
	format      = FormatConsole
	output      zapcore.WriteSyncer
	level       = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar       = build()
)

// Init configures the encoder used for all subsequent log lines.
// Unknown formats fall back to console output.
func Init(logFormat string) {
	mu.Lock()
	defer mu.Unlock()

	if logFormat != FormatJSON {
		logFormat = FormatConsole
	}
	format = logFormat
	sugar = build()
}

// SetOutput redirects every level to w. Passing nil restores stdout/stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if w == nil {
		output = nil
	} else {
		output = zapcore.AddSync(w)
	}
	sugar = build()
}

// SetVerbose sets the logging verbosity. If true, debug messages are displayed.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()

	verbose = v
	if v {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

// IsVerbose returns true if verbose logging is enabled.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// DisableLogs disables all logging.
func DisableLogs() {
	mu.Lock()
	defer mu.Unlock()
	disableLogs = true
}

// IsDisabled returns true if logging is disabled.
func IsDisabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return disableLogs
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = sugar.Sync()
}

func Debugf(format string, args ...interface{}) {
	if l := logger(); l != nil {
		l.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if l := logger(); l != nil {
		l.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if l := logger(); l != nil {
		l.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if l := logger(); l != nil {
		l.Errorf(format, args...)
	}
}

// Fatalf logs an error message and exits the program.
func Fatalf(format string, args ...interface{}) {
	if l := logger(); l != nil {
		l.Errorf(format, args...)
		_ = l.Sync()
	}
	os.Exit(1)
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if disableLogs {
		return nil
	}
	return sugar
}

// build must be called with mu held (or during package init).
func build() *zap.SugaredLogger {
	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if format == FormatJSON {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeCaller = nil
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var core zapcore.Core
	if output != nil {
		core = zapcore.NewCore(encoder, output, level)
	} else {
		// Errors go to stderr, everything else to stdout.
		isError := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.ErrorLevel && level.Enabled(l)
		})
		isOther := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l < zapcore.ErrorLevel && level.Enabled(l)
		})
		core = zapcore.NewTee(
			zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isOther),
			zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isError),
		)
	}

	return zap.New(core).Sugar()
}
