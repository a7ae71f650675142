// Package logging sets up the process-wide structured logger: JSON records
// to a size-rotated file and, optionally, a console stream.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file created inside Config.Dir.
const FileName = "porce-nav.slog"

// Config selects the log level and destinations.
type Config struct {
	Level   string    // debug, info, warn or error
	Dir     string    // directory for the rotated log file; empty disables the file
	Console io.Writer // optional second destination, typically os.Stderr
}

// Logger is a *slog.Logger that owns its rotated file.
type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time

	file *lumberjack.Logger
}

// New creates the logger and writes the startup records.
func New(cfg Config) *Logger {
	lvl, ok := ParseLevel(cfg.Level)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: invalid log level, using info\n", cfg.Level)
	}

	var writers []io.Writer
	l := &Logger{Start: time.Now()}
	if cfg.Dir != "" {
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, FileName),
			MaxSize:    32, // MB
			MaxBackups: 3,
			Compress:   true,
		}
		l.LogFile = l.file.Filename
		writers = append(writers, l.file)
	}
	if cfg.Console != nil {
		writers = append(writers, cfg.Console)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	h := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: lvl})
	l.Logger = slog.New(h)

	l.Info("Hello logging", slog.Time("start", l.Start))
	l.Info("System information",
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS),
		slog.Int("NumCPUs", runtime.NumCPU()))

	if bi, ok := debug.ReadBuildInfo(); ok {
		var deps []any
		for _, dep := range bi.Deps {
			deps = append(deps, slog.String(dep.Path, dep.Version))
		}
		l.Info("Build",
			slog.String("Go version", bi.GoVersion),
			slog.String("Path", bi.Path),
			slog.Group("Dependencies", deps...))
	}

	return l
}

// Close flushes and closes the rotated file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// ParseLevel maps a level name to a slog level. Unknown names give info
// and false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// CatchPanic recovers a panic in the calling goroutine and logs it with the
// stack. Use it as `defer logging.CatchPanic(lg, "tick")` around one loop
// iteration so the loop carries on with the next one.
func CatchPanic(lg *slog.Logger, where string) {
	if r := recover(); r != nil {
		if lg == nil {
			lg = slog.Default()
		}
		lg.Error("recovered panic",
			slog.String("where", where),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
	}
}
