// Package ulogger is the logging facade used throughout the node. Components take
// a Logger and derive per-service loggers from it with New.
package ulogger

const (
	colorRed    = 31
	colorGreen  = 32
	colorYellow = 33
	colorBlue   = 34
	colorWhite  = 37

	colorBold = 1
)

type Logger interface {
	LogLevel() int
	SetLogLevel(level string)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	// New returns a logger tagged with another service name.
	New(service string, options ...Option) Logger
	Duplicate(options ...Option) Logger
}

// New builds the backend named by WithLoggerType, zerolog by default.
func New(service string, options ...Option) Logger {
	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}

	if opts.loggerType == "gocore" {
		return NewGoCoreLogger(service, options...)
	}

	if opts.loggerType == "test" {
		return TestLogger{}
	}

	return NewZeroLogger(service, options...)
}
