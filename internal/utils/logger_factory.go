package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	unsupportedLogLevelTemplateConstant  = "unsupported log level %q"
	unsupportedLogFormatTemplateConstant = "unsupported log format %q"
	loggerBuildErrorTemplateConstant     = "unable to build %s logger: %w"
	diagnosticLoggerNameConstant         = "diagnostic"
	consoleLoggerNameConstant            = "console"
	timestampFieldNameConstant           = "timestamp"
	consoleTimestampLayoutConstant       = "15:04:05"
)

// LogLevel enumerates supported logging levels.
type LogLevel string

// Supported log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat enumerates supported log encodings.
type LogFormat string

// Supported log formats.
const (
	LogFormatStructured LogFormat = "structured"
	LogFormatConsole    LogFormat = "console"
)

// LoggerOutputs groups the loggers produced for a single configuration.
type LoggerOutputs struct {
	DiagnosticLogger *zap.Logger
	ConsoleLogger    *zap.Logger
}

// LoggerFactory constructs zap loggers from textual configuration values.
type LoggerFactory struct {
	output io.Writer
}

// LoggerFactoryOption customises LoggerFactory behaviour.
type LoggerFactoryOption func(*LoggerFactory)

// WithLogOutput sends every logger built by the factory to writer instead of stderr.
func WithLogOutput(writer io.Writer) LoggerFactoryOption {
	return func(factory *LoggerFactory) {
		factory.output = writer
	}
}

// NewLoggerFactory constructs a LoggerFactory.
func NewLoggerFactory(options ...LoggerFactoryOption) LoggerFactory {
	factory := LoggerFactory{}
	for _, option := range options {
		option(&factory)
	}
	return factory
}

// CreateLoggerOutputs builds the diagnostic logger and, for console format, a human-oriented console logger.
// Structured format produces JSON diagnostics and a no-op console logger.
func (factory LoggerFactory) CreateLoggerOutputs(logLevel LogLevel, logFormat LogFormat) (LoggerOutputs, error) {
	zapLevel, levelError := parseLogLevel(logLevel)
	if levelError != nil {
		return LoggerOutputs{}, levelError
	}

	normalizedFormat := LogFormat(strings.ToLower(strings.TrimSpace(string(logFormat))))
	switch normalizedFormat {
	case LogFormatStructured:
		diagnosticLogger, buildError := factory.buildLogger(zapLevel, zapcore.NewJSONEncoder(structuredEncoderConfig()))
		if buildError != nil {
			return LoggerOutputs{}, fmt.Errorf(loggerBuildErrorTemplateConstant, diagnosticLoggerNameConstant, buildError)
		}
		return LoggerOutputs{DiagnosticLogger: diagnosticLogger, ConsoleLogger: zap.NewNop()}, nil
	case LogFormatConsole:
		diagnosticLogger, diagnosticError := factory.buildLogger(zapLevel, zapcore.NewConsoleEncoder(consoleEncoderConfig()))
		if diagnosticError != nil {
			return LoggerOutputs{}, fmt.Errorf(loggerBuildErrorTemplateConstant, diagnosticLoggerNameConstant, diagnosticError)
		}
		consoleLogger, consoleError := factory.buildLogger(zapLevel, zapcore.NewConsoleEncoder(consoleEncoderConfig()))
		if consoleError != nil {
			return LoggerOutputs{}, fmt.Errorf(loggerBuildErrorTemplateConstant, consoleLoggerNameConstant, consoleError)
		}
		return LoggerOutputs{DiagnosticLogger: diagnosticLogger, ConsoleLogger: consoleLogger}, nil
	default:
		return LoggerOutputs{}, fmt.Errorf(unsupportedLogFormatTemplateConstant, logFormat)
	}
}

func parseLogLevel(logLevel LogLevel) (zapcore.Level, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(string(logLevel)))) {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf(unsupportedLogLevelTemplateConstant, logLevel)
	}
}

// buildLogger resolves os.Stderr at call time so callers may redirect it.
func (factory LoggerFactory) buildLogger(level zapcore.Level, encoder zapcore.Encoder) (*zap.Logger, error) {
	if encoder == nil {
		return nil, fmt.Errorf("encoder not provided")
	}
	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if factory.output != nil {
		sink = zapcore.Lock(zapcore.AddSync(factory.output))
	}
	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

func structuredEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = timestampFieldNameConstant
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoderConfig
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(consoleTimestampLayoutConstant)
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.CallerKey = ""
	return encoderConfig
}
