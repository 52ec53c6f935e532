// Package log provides structured logging for tarsier using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zboralski/tarsier/internal/tcb"
)

// Logger wraps zap.Logger with shim-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Event logs a shim event. This is the primary method for stubs and
// the TCB layer to report activity; trace collection hooks in at the
// registry's OnCall callback instead.
func (l *Logger) Event(pc uint64, category, name, detail string) {
	l.Debug("shim",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.Uint64("pc", pc),
	)
}

// StubInstall logs when a stub is installed at an address.
func (l *Logger) StubInstall(category, name string, addr uint64, source string) {
	l.Debug("installed",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.Uint64("addr", addr),
		zap.String("src", source),
	)
}

// StubFallback logs when a fallback stub is triggered.
func (l *Logger) StubFallback(name string) {
	l.Debug("fallback",
		zap.String("fn", name),
		zap.String("ret", "0"),
	)
}

// Admit logs a thread admission with its diagnostics handle.
func (l *Logger) Admit(tid uint32, name, handle string, base uint64) {
	l.Info("thread admitted",
		Tid(tid),
		zap.String("thread", name),
		zap.String("handle", handle),
		Addr(base),
	)
}

// Fault logs a guest memory fault and whether it was redirected.
func (l *Logger) Fault(tid uint32, addr, cont uint64, redirected bool) {
	if redirected {
		l.Info("fault redirected",
			Tid(tid),
			Addr(addr),
			Ptr("cont", cont),
		)
		return
	}
	l.Warn("unhandled fault",
		Tid(tid),
		Addr(addr),
	)
}

// DumpTrail logs the recent lock audit records of a control block,
// oldest first.
func (l *Logger) DumpTrail(t *tcb.TCB) {
	for i, r := range t.Trail().Recent() {
		l.Info("lock audit",
			Tid(t.Tid),
			zap.Int("seq", i),
			zap.String("kind", r.Kind.String()),
			Ptr("lock", r.Lock),
			zap.String("at", r.File),
			zap.Int("line", r.Line),
		)
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Tid creates a thread-id field.
func Tid(tid uint32) zap.Field {
	return zap.Uint32("tid", tid)
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
