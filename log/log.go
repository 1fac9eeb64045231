package log

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper providing logging facilities.
type Logger struct {
	x *zap.SugaredLogger
}

// root logger. Is nil until Init is called, package-level functions fall
// back to a default development logger before that.
var root atomic.Pointer[Logger]

// Init the logger with defined level. outputs defines the outputs where the
// logs will be sent. By default outputs contains "stderr", which prints the
// logs at the output for the process to read, in the format for the given
// environment.
func Init(cfg Config) {
	var level zap.AtomicLevel
	err := level.UnmarshalText([]byte(cfg.Level))
	if err != nil {
		panic(fmt.Errorf("error on setting log level: %s", err))
	}

	var zapCfg zap.Config
	switch cfg.Environment {
	case EnvironmentProduction:
		zapCfg = zap.NewProductionConfig()
	default:
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	zapCfg.OutputPaths = cfg.Outputs
	if len(zapCfg.OutputPaths) == 0 {
		zapCfg.OutputPaths = []string{"stderr"}
	}
	zapCfg.InitialFields = map[string]interface{}{
		"pid": os.Getpid(),
	}
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	// skip one caller frame so the file/line of the wrapper's caller is shown
	logger = logger.WithOptions(zap.AddCallerSkip(1))
	root.Store(&Logger{x: logger.Sugar()})
}

func getDefaultLog() *Logger {
	l := root.Load()
	if l != nil {
		return l
	}
	// default level: debug
	Init(Config{
		Environment: EnvironmentDevelopment,
		Level:       "debug",
		Outputs:     []string{"stderr"},
	})
	return root.Load()
}

// WithFields returns a new Logger with the given fields bound to it.
func WithFields(keyValuePairs ...interface{}) *Logger {
	return getDefaultLog().WithFields(keyValuePairs...)
}

// WithFields returns a new Logger with the given fields bound to it.
func (l *Logger) WithFields(keyValuePairs ...interface{}) *Logger {
	return &Logger{x: l.x.With(keyValuePairs...)}
}

// Debug calls log.Debug on the root Logger.
func Debug(args ...interface{}) { getDefaultLog().Debug(args...) }

// Info calls log.Info on the root Logger.
func Info(args ...interface{}) { getDefaultLog().Info(args...) }

// Warn calls log.Warn on the root Logger.
func Warn(args ...interface{}) { getDefaultLog().Warn(args...) }

// Error calls log.Error on the root Logger.
func Error(args ...interface{}) { getDefaultLog().Error(args...) }

// Fatal calls log.Fatal on the root Logger, then os.Exit(1).
func Fatal(args ...interface{}) { getDefaultLog().Fatal(args...) }

// Debugf calls log.Debugf on the root Logger.
func Debugf(template string, args ...interface{}) { getDefaultLog().Debugf(template, args...) }

// Infof calls log.Infof on the root Logger.
func Infof(template string, args ...interface{}) { getDefaultLog().Infof(template, args...) }

// Warnf calls log.Warnf on the root Logger.
func Warnf(template string, args ...interface{}) { getDefaultLog().Warnf(template, args...) }

// Errorf calls log.Errorf on the root Logger.
func Errorf(template string, args ...interface{}) { getDefaultLog().Errorf(template, args...) }

// Fatalf calls log.Fatalf on the root Logger, then os.Exit(1).
func Fatalf(template string, args ...interface{}) { getDefaultLog().Fatalf(template, args...) }

// Debug logs at debug level.
func (l *Logger) Debug(args ...interface{}) { l.x.Debug(args...) }

// Info logs at info level.
func (l *Logger) Info(args ...interface{}) { l.x.Info(args...) }

// Warn logs at warn level.
func (l *Logger) Warn(args ...interface{}) { l.x.Warn(args...) }

// Error logs at error level.
func (l *Logger) Error(args ...interface{}) { l.x.Error(args...) }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(args ...interface{}) { l.x.Fatal(args...) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(template string, args ...interface{}) { l.x.Debugf(template, args...) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(template string, args ...interface{}) { l.x.Infof(template, args...) }

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(template string, args ...interface{}) { l.x.Warnf(template, args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(template string, args ...interface{}) { l.x.Errorf(template, args...) }

// Fatalf logs a formatted message at fatal level and exits.
func (l *Logger) Fatalf(template string, args ...interface{}) { l.x.Fatalf(template, args...) }

// IsDebugEnabled reports whether the root logger emits debug records. Used
// to gate logging of sensitive material.
func IsDebugEnabled() bool {
	return getDefaultLog().x.Desugar().Core().Enabled(zapcore.DebugLevel)
}

// redact shortens a secret-bearing string for safe inclusion in logs.
func redact(s string) string {
	const keep = 6
	if len(s) <= keep*2 {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + "…" + s[len(s)-keep:]
}

// Redacted returns a loggable form of a secret: the full value when debug
// logging is enabled, a redacted stub otherwise.
func Redacted(secret string) string {
	if IsDebugEnabled() {
		return secret
	}
	return redact(secret)
}
