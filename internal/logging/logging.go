// Package logging builds the structured logger every mediaproxy component
// uses. This service has no config hot-reload, so there is no runtime
// level-switching, just one zap.Logger wired up once at startup.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config configures the console and (optional) file outputs.
type Config struct {
	Level         string
	ConsoleFormat string // "json" or "console"

	FileEnabled bool
	FilePath    string
	FileFormat  string

	RotationMaxSizeMB int
	RotationMaxAgeDays int
	RotationMaxBackups int
	RotationCompress   bool
}

// New builds a *zap.Logger from cfg. Console output is always enabled; file
// output is added on top when cfg.FileEnabled is set.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	consoleCore := zapcore.NewCore(
		newEncoder(cfg.ConsoleFormat),
		zapcore.Lock(os.Stdout),
		level,
	)
	cores := []zapcore.Core{consoleCore}

	if cfg.FileEnabled {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging: file_path is required when file logging is enabled")
		}
		fileCore := zapcore.NewCore(
			newEncoder(cfg.FileFormat),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.RotationMaxSizeMB,
				MaxAge:     cfg.RotationMaxAgeDays,
				MaxBackups: cfg.RotationMaxBackups,
				Compress:   cfg.RotationCompress,
			}),
			level,
		)
		cores = append(cores, fileCore)
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}

	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func newEncoder(format string) zapcore.Encoder {
	if format == FormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// NewDefault builds a sensible startup logger for use before configuration
// has been loaded (e.g. to report a config-loading failure).
func NewDefault() *zap.Logger {
	logger, err := New(Config{Level: LevelInfo, ConsoleFormat: FormatConsole})
	if err != nil {
		// Only fails on file-output misconfiguration, which NewDefault
		// never requests.
		panic(err)
	}
	return logger
}
