package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LevelFatal marks process-fatal conditions such as local resource exhaustion.
const LevelFatal = slog.Level(12)

var (
	defaultLogger *slog.Logger
	defaultLevel  = new(slog.LevelVar)
	exitFunc      = os.Exit
)

func init() {
	defaultLevel.Set(slog.LevelInfo)
	defaultLogger = slog.New(NewHandler(os.Stdout, defaultLevel))
}

// Init replaces the default logger. format is "text" or "json".
func Init(out io.Writer, format string) {
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: defaultLevel,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey {
					if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelFatal {
						a.Value = slog.StringValue("FATAL")
					}
				}
				return a
			},
		})
	default:
		h = NewHandler(out, defaultLevel)
	}
	defaultLogger = slog.New(h)
}

// SetLevel sets the minimum log level.
func SetLevel(level slog.Level) {
	defaultLevel.Set(level)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

func Default() *slog.Logger {
	return defaultLogger
}

// With returns the default logger with attrs attached.
func With(args ...any) *slog.Logger {
	return defaultLogger.With(args...)
}

func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Fatal logs at LevelFatal and exits the process.
func Fatal(msg string, args ...any) {
	defaultLogger.Log(context.Background(), LevelFatal, msg, args...)
	exitFunc(1)
}

type Handler struct {
	out   io.Writer
	mu    *sync.Mutex
	level *slog.LevelVar
	attrs []slog.Attr
	group string
}

func NewHandler(out io.Writer, level *slog.LevelVar) *Handler {
	return &Handler{
		out:   out,
		mu:    &sync.Mutex{},
		level: level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelToString(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, attr := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(attrToString(attr, h.group))
	}

	r.Attrs(func(attr slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(attrToString(attr, h.group))
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)

	return &Handler{
		out:   h.out,
		mu:    h.mu,
		level: h.level,
		attrs: newAttrs,
		group: h.group,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}

	return &Handler{
		out:   h.out,
		mu:    h.mu,
		level: h.level,
		attrs: h.attrs,
		group: newGroup,
	}
}

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorGray    = "\033[90m"
)

func levelToString(level slog.Level) string {
	switch {
	case level >= LevelFatal:
		return colorMagenta + "FTL" + colorReset
	case level >= slog.LevelError:
		return colorRed + "ERR" + colorReset
	case level >= slog.LevelWarn:
		return colorYellow + "WRN" + colorReset
	case level >= slog.LevelInfo:
		return colorGreen + "INF" + colorReset
	default:
		return colorGray + "DBG" + colorReset
	}
}

func attrToString(attr slog.Attr, group string) string {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}

	switch attr.Value.Kind() {
	case slog.KindTime:
		return fmt.Sprintf("%s=%s", key, attr.Value.Time().Format(time.RFC3339))
	case slog.KindDuration:
		return fmt.Sprintf("%s=%s", key, attr.Value.Duration().String())
	default:
		return fmt.Sprintf("%s=%v", key, attr.Value.Any())
	}
}
