// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// AppName is attached to every log record as the "app" field.
const AppName = "mrdserver"

// Log output formats.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// LogSink is the process-wide log destination: an already formatted
// writer plus the minimum level it accepts.  Sessions fan out to the
// sink and to their own relay, so the sink filters by level itself
// instead of relying on the logger's level.
type LogSink struct {
	Out   io.Writer
	Level zerolog.Level
}

// NewLogSink wraps out in the requested format.  "auto" picks the
// console format when out is a terminal and JSON otherwise.
func NewLogSink(out io.Writer, level zerolog.Level, format string) (LogSink, error) {
	switch format {
	case FormatJSON:
	case FormatConsole:
		out = consoleWriter(out, false)
	case FormatAuto, "":
		if isTerminal(out) {
			out = consoleWriter(out, false)
		}
	default:
		return LogSink{}, fmt.Errorf("unknown log format %q", format)
	}
	return LogSink{Out: out, Level: level}, nil
}

// Writer returns the sink as a level-filtering zerolog writer.
func (s LogSink) Writer() zerolog.LevelWriter {
	return LevelFilter(s.Out, s.Level)
}

// NewLogger returns the process logger for sink.
func NewLogger(sink LogSink) zerolog.Logger {
	return zerolog.New(sink.Writer()).
		Level(sink.Level).
		With().Timestamp().Str("app", AppName).
		Logger()
}

// NewTeeLogger returns a logger writing to sink and to extra, which has
// its own minimum level.  The logger's level is the lower of the two so
// neither destination misses records it wants.
func NewTeeLogger(sink LogSink, extra zerolog.LevelWriter, extraLevel zerolog.Level) zerolog.Logger {
	level := sink.Level
	if extraLevel < level {
		level = extraLevel
	}
	return zerolog.New(zerolog.MultiLevelWriter(sink.Writer(), LevelFilter(extra, extraLevel))).
		Level(level).
		With().Timestamp().Str("app", AppName).
		Logger()
}

// ── Levels ───────────────────────────────────────────────────────────

// LevelForVerbosity maps a -v count to a level:
// 0 = warn, 1 = info, 2 = debug, 3+ = trace.
func LevelForVerbosity(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// ParseLevel accepts zerolog level names plus "warning" and "off".
func ParseLevel(raw string) (zerolog.Level, error) {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none":
		return zerolog.Disabled, nil
	default:
		lvl, err := zerolog.ParseLevel(s)
		if err != nil || s == "" {
			return zerolog.NoLevel, fmt.Errorf("unknown log level %q", raw)
		}
		return lvl, nil
	}
}

// ── Writers ──────────────────────────────────────────────────────────

type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

// LevelFilter returns a writer that drops records below min.
func LevelFilter(w io.Writer, min zerolog.Level) zerolog.LevelWriter {
	return levelFilter{w: w, min: min}
}

func (f levelFilter) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min || f.min == zerolog.Disabled {
		return len(p), nil
	}
	return f.w.Write(p)
}

func consoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		TimeFormat: "15:04:05.000",
	}
}

// PlainConsoleWriter renders records as single uncoloured text lines.
func PlainConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	w := consoleWriter(out, true)
	w.PartsExclude = []string{zerolog.TimestampFieldName}
	w.FieldsExclude = []string{"app"}
	return w
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
