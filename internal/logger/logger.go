package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level     string
	Env       string
	File      string
	ToConsole bool
}

// New builds the process logger. Development logs to stdout as JSON; in
// production the file output rotates via lumberjack.
func New(opts Options) *zap.Logger {
	var logLevel zapcore.Level
	switch opts.Level {
	case "debug":
		logLevel = zap.DebugLevel
	case "info":
		logLevel = zap.InfoLevel
	case "warn":
		logLevel = zap.WarnLevel
	case "error":
		logLevel = zap.ErrorLevel
	default:
		logLevel = zap.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	if opts.Env != "production" || opts.File == "" {
		cfg := zap.Config{
			Level:            zap.NewAtomicLevelAt(logLevel),
			Development:      opts.Env == "development",
			Encoding:         "json",
			EncoderConfig:    encoderConfig,
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		zapLogger, err := cfg.Build()
		if err != nil {
			log.Fatalf("Error while initializing zap logger: %v", err)
		}
		return zapLogger
	}

	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})
	sinks := []zapcore.WriteSyncer{rotating}
	if opts.ToConsole {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), logLevel)
	return zap.New(core, zap.AddCaller())
}
