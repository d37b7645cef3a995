// Package logging builds the zap loggers shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// JSON switches the console encoder from the development layout to JSON.
	JSON bool
	// FilePath, when set, adds a JSON core writing to a rotated file.
	FilePath string
	Console  io.Writer
}

// New returns a logger teeing a console core and an optional rotated file
// core. The returned close func flushes and releases the file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	fileEncoderConfig := zap.NewProductionEncoderConfig()
	fileEncoderConfig.TimeKey = "timestamp"
	fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileEncoderConfig.MessageKey = "message"
	fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	jsonEncoder := zapcore.NewJSONEncoder(fileEncoderConfig)

	var consoleEncoder zapcore.Encoder
	if opts.JSON {
		consoleEncoder = jsonEncoder
	} else {
		consoleEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(console)), level)}

	var rotator *lumberjack.Logger
	if opts.FilePath != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closeFn := func() error {
		_ = logger.Sync()
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

func ParseLevel(value string) (zapcore.Level, error) {
	if strings.TrimSpace(value) == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(value)))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}
