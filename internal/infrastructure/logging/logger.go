package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
)

// Logger wraps zap.Logger with parklink-specific functionality.
//
// Its Debug/Info/Warn/Error methods take a message followed by alternating
// key-value pairs, so a *Logger satisfies the narrow Logger interfaces
// declared by the bridge packages.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	core *zap.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, console for development)
//   - Log level filtering
//   - Default fields (service name, version)
//   - Output destination
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	output := "stdout"
	if strings.ToLower(cfg.Output) == "stderr" {
		output = "stderr"
	}

	encoding := "json"
	if f := strings.ToLower(cfg.Format); f == "text" || f == "console" {
		encoding = "console"
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(parseLevel(cfg.Level)),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	core, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Only reachable with an unopenable output path, which the switch above rules out.
		core = zap.NewNop()
	}

	return &Logger{
		core: core.With(
			zap.String("service", "parklink"),
			zap.String("version", version),
		),
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// parseLevel converts a string log level to a zapcore.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.core.Debug(msg, toFields(args)...) }

// Info logs a message at info level.
func (l *Logger) Info(msg string, args ...any) { l.core.Info(msg, toFields(args)...) }

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.core.Warn(msg, toFields(args)...) }

// Error logs a message at error level.
func (l *Logger) Error(msg string, args ...any) { l.core.Error(msg, toFields(args)...) }

// With returns a new Logger with additional default attributes.
//
// Parameters:
//   - args: Key-value pairs to add as default attributes
//
// Returns:
//   - *Logger: New logger with added attributes
//
// Example:
//
//	gateLogger := logger.With("component", "gate")
//	gateLogger.Info("connected") // Includes component=gate
func (l *Logger) With(args ...any) *Logger {
	return &Logger{core: l.core.With(toFields(args)...)}
}

// Named returns a new Logger with the given name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{core: l.core.Named(name)}
}

// Zap exposes the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.core
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.core.Sync()
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "unknown")
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{core: zap.NewNop()}
}

// toFields converts alternating key-value arguments into zap fields.
// A bare error becomes an "error" field, a zap.Field passes through, and
// an unpaired trailing value is kept under a positional key.
func toFields(args []any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		if f, ok := args[i].(zap.Field); ok {
			fields = append(fields, f)
			i++
			continue
		}
		if i == len(args)-1 {
			if err, ok := args[i].(error); ok {
				fields = append(fields, zap.Error(err))
			} else {
				fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			}
			break
		}

		key, val := args[i], args[i+1]
		i += 2

		keyStr, ok := key.(string)
		if !ok {
			keyStr = fmt.Sprintf("%v", key)
		}
		if err, ok := val.(error); ok {
			fields = append(fields, zap.NamedError(keyStr, err))
			continue
		}
		fields = append(fields, zap.Any(keyStr, val))
	}
	return fields
}
