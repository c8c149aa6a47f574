// Package log provides structured logging for hlego using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with bridge-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(pc uint32, category, name, detail string) // trace callback for events
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
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnTrace sets the trace callback for host call events.
func (l *Logger) SetOnTrace(fn func(pc uint32, category, name, detail string)) {
	l.onTrace = fn
}

// Trace logs a host call and forwards it to the trace callback if set.
// pc is the guest return address of the call.
func (l *Logger) Trace(pc uint32, category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(pc, category, name, detail)
	}

	l.Debug("call",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.String("lr", Hex(pc)),
	)
}

// Bind logs an import bound to a host export.
func (l *Logger) Bind(category, name string, slot, target uint32, kind string) {
	l.Debug("bound",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("slot", Hex(slot)),
		zap.String("target", Hex(target)),
		zap.String("kind", kind),
	)
}

// Unresolved logs an import left pointing at a fault stub.
func (l *Logger) Unresolved(name string, slot uint32) {
	l.Warn("unresolved import",
		zap.String("fn", name),
		zap.String("slot", Hex(slot)),
	)
}

// Trampoline logs creation of a guest-callable stub for a host function.
func (l *Logger) Trampoline(name string, addr uint32, signature string) {
	l.Debug("trampoline",
		zap.String("fn", name),
		zap.String("addr", Hex(addr)),
		zap.String("sig", signature),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onTrace: l.onTrace,
	}
}

// With returns a logger with fields preset, keeping the trace callback.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger:  l.Logger.With(fields...),
		onTrace: l.onTrace,
	}
}

// Hex formats a guest address as hex string for logging.
func Hex(addr uint32) string {
	return "0x" + hexString(addr)
}

func hexString(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 8)
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
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint32) zap.Field {
	return zap.Uint32("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint32) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
