// Package logging provides the zap logger behind core.ILogger, tee'd into
// the OpenTelemetry log bridge
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"repricer/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is the instrumentation scope used for the OTel log bridge
const ServiceName = "repricer"

// Options configures NewLogger
type Options struct {
	Level  string // DEBUG, INFO, WARN, ERROR or FATAL
	Format string // console or json
	Output io.Writer
	Fields map[string]interface{} // attached to every entry
}

// ZapLogger implements core.ILogger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a console logger on stdout
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	return NewLogger(Options{Level: levelStr})
}

// NewLogger creates a logger from options
func NewLogger(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	otelCore := otelzap.NewCore(ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	tee := zapcore.NewTee(zapcore.NewCore(enc, zapcore.AddSync(out), level), otelCore)

	l := &ZapLogger{logger: zap.New(tee, zap.AddCaller(), zap.AddCallerSkip(1))}
	if len(opts.Fields) > 0 {
		l.logger = l.logger.With(sortedFields(opts.Fields)...)
	}
	return l, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// ParseLevel parses a log level name; empty means INFO
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zap.DebugLevel, nil
	case "INFO", "":
		return zap.InfoLevel, nil
	case "WARN":
		return zap.WarnLevel, nil
	case "ERROR":
		return zap.ErrorLevel, nil
	case "FATAL":
		return zap.FatalLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// toFields turns key/value pairs into zap fields. Errors keep their
// message under the given key and a dangling key is logged as-is.
func toFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 == len(kv) {
			fields = append(fields, zap.Any("!BADKEY", key))
			break
		}
		fields = append(fields, field(key, kv[i+1]))
	}
	return fields
}

func field(key string, v interface{}) zap.Field {
	if err, ok := v.(error); ok {
		return zap.NamedError(key, err)
	}
	return zap.Any(key, v)
}

func sortedFields(m map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, field(k, m[k]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, toFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, toFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, toFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, toFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, toFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(field(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(sortedFields(fields)...)}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
