package ulogger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ordishs/gocore"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// ZLoggerWrapper is the default Logger. With PRETTY_LOGS (the default) it writes
// aligned console lines, otherwise one JSON object per line.
type ZLoggerWrapper struct {
	zerolog.Logger
	service string
	w       io.Writer
	skip    int
}

var levelsByName = map[string]zerolog.Level{
	"DEBUG": zerolog.DebugLevel,
	"INFO":  zerolog.InfoLevel,
	"WARN":  zerolog.WarnLevel,
	"ERROR": zerolog.ErrorLevel,
	"FATAL": zerolog.FatalLevel,
}

var gocoreLevels = map[zerolog.Level]int{
	zerolog.DebugLevel: int(gocore.DEBUG),
	zerolog.InfoLevel:  int(gocore.INFO),
	zerolog.WarnLevel:  int(gocore.WARN),
	zerolog.ErrorLevel: int(gocore.ERROR),
	zerolog.FatalLevel: int(gocore.FATAL),
}

func NewZeroLogger(service string, options ...Option) *ZLoggerWrapper {
	if service == "" {
		service = "vssnode"
	}

	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}

	ctx := zerolog.New(opts.writer).With().Str("service", service)

	if gocore.Config().GetBool("PRETTY_LOGS", true) {
		ctx = zerolog.New(consoleWriter(opts.writer, service)).With()
	}

	z := &ZLoggerWrapper{
		Logger: ctx.
			CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 1 + opts.skip).
			Timestamp().
			Logger(),
		service: service,
		w:       opts.writer,
		skip:    opts.skip,
	}

	z.SetLogLevel(opts.logLevel)

	return z
}

// consoleWriter renders "15:04:05 | LEVEL | service | message  file:line".
// Colours are only used when writing to a terminal.
func consoleWriter(w io.Writer, service string) zerolog.ConsoleWriter {
	plain := true
	if f, ok := w.(*os.File); ok {
		plain = !term.IsTerminal(int(f.Fd()))
	}

	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    plain,
		TimeFormat: time.TimeOnly,
		FormatLevel: func(i interface{}) string {
			level, _ := i.(string)
			return "| " + colorize(fmt.Sprintf("%-6s", strings.ToUpper(level)), levelColor(level), plain) + "|"
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("| %-10s| %s", service, i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatCaller: func(i interface{}) string {
			caller, _ := i.(string)
			if caller == "" {
				return ""
			}

			// package/file.go:line is enough to find the call site
			parts := strings.Split(caller, "/")
			if len(parts) > 2 {
				caller = strings.Join(parts[len(parts)-2:], "/")
			}

			return colorize(fmt.Sprintf("%-28s", caller), colorBold, plain)
		},
	}
}

func levelColor(level string) int {
	switch level {
	case "debug":
		return colorBlue
	case "info":
		return colorGreen
	case "warn":
		return colorYellow
	case "error", "fatal", "panic":
		return colorRed
	default:
		return colorWhite
	}
}

// New returns a logger for another service that shares this logger's writer and level.
func (z *ZLoggerWrapper) New(service string, options ...Option) Logger {
	inherited := []Option{
		WithWriter(z.w),
		WithLevel(strings.ToUpper(z.Logger.GetLevel().String())),
		WithSkipFrame(z.skip),
	}

	return NewZeroLogger(service, append(inherited, options...)...)
}

func (z *ZLoggerWrapper) Duplicate(options ...Option) Logger {
	return z.New(z.service, options...)
}

// SetLogLevel accepts DEBUG, INFO, WARN, ERROR or FATAL, falling back to INFO.
func (z *ZLoggerWrapper) SetLogLevel(logLevel string) {
	level, ok := levelsByName[strings.ToUpper(logLevel)]
	if !ok {
		level = zerolog.InfoLevel
	}

	z.Logger = z.Logger.Level(level)
}

// LogLevel reports the level on gocore's scale so both backends compare alike.
func (z *ZLoggerWrapper) LogLevel() int {
	if level, ok := gocoreLevels[z.Logger.GetLevel()]; ok {
		return level
	}

	return int(gocore.INFO)
}

func (z *ZLoggerWrapper) Debugf(format string, args ...interface{}) {
	z.Logger.Debug().Msgf(format, args...)
}

func (z *ZLoggerWrapper) Infof(format string, args ...interface{}) {
	z.Logger.Info().Msgf(format, args...)
}

func (z *ZLoggerWrapper) Warnf(format string, args ...interface{}) {
	z.Logger.Warn().Msgf(format, args...)
}

func (z *ZLoggerWrapper) Errorf(format string, args ...interface{}) {
	z.Logger.Error().Msgf(format, args...)
}

func (z *ZLoggerWrapper) Fatalf(format string, args ...interface{}) {
	z.Logger.Fatal().Msgf(format, args...)
}

func colorize(s string, c int, disabled bool) string {
	if disabled || c == 0 || os.Getenv("NO_COLOR") != "" {
		return s
	}

	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
}
