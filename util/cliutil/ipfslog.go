package cliutil

import (
	"io"
	"log/slog"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetIpfsWriter sends go-log output (the retrying HTTP client logs through it) to out as JSON lines, at
// the slog level in use by the rest of the process.
func SetIpfsWriter(out io.Writer, level slog.Level) {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "time",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "msg",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.CapitalLevelEncoder,
	})
	ipfslog.SetPrimaryCore(zapcore.NewCore(enc, zapcore.AddSync(out), zapLevel(level)))
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
