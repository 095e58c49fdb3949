package logger

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger that writes JSON to logFile (appending) and to stdout.
// Stdout gets the console encoder when attached to a terminal.
func New(level, logFile string) (*zap.Logger, error) {
	stdoutEncoder := zapcore.NewJSONEncoder(encoderConfig())
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		stdoutEncoder = zapcore.NewConsoleEncoder(encoderConfig())
	}
	return build(ParseLevel(level), logFile, stdoutEncoder, zapcore.Lock(os.Stdout))
}

func build(level zapcore.Level, logFile string, stdoutEncoder zapcore.Encoder, stdout zapcore.WriteSyncer) (*zap.Logger, error) {
	atomicLevel := zap.NewAtomicLevelAt(level)
	cores := []zapcore.Core{
		zapcore.NewCore(stdoutEncoder, stdout, atomicLevel),
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(f), atomicLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
