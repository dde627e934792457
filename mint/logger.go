package mint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/lmittmann/tint"
)

func setupLogger(level LogLevel, w io.Writer) *slog.Logger {
	if level == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if w == nil {
		w = os.Stdout
	}

	slogLevel := slog.LevelInfo
	if level == Debug {
		slogLevel = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		AddSource:  true,
		Level:      slogLevel,
		TimeFormat: time.DateTime,
	}))
}

func (m *Mint[M, U]) logInfof(format string, args ...any) {
	m.log(slog.LevelInfo, format, args...)
}

func (m *Mint[M, U]) logErrorf(format string, args ...any) {
	m.log(slog.LevelError, format, args...)
}

func (m *Mint[M, U]) logDebugf(format string, args ...any) {
	m.log(slog.LevelDebug, format, args...)
}

// log reports the caller of the logInfof/logErrorf/logDebugf
// helper as the source of the record.
func (m *Mint[M, U]) log(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !m.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(ctx, r)
}
