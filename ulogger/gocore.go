package ulogger

import (
	"github.com/ordishs/gocore"
)

// GoCoreLogger logs through gocore, selected with logger=gocore. The level is
// fixed when the logger is created.
type GoCoreLogger struct {
	*gocore.Logger
	service string
}

func NewGoCoreLogger(service string, options ...Option) *GoCoreLogger {
	if service == "" {
		service = "vssnode"
	}

	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}

	return &GoCoreLogger{
		Logger:  gocore.Log(service, gocore.NewLogLevelFromString(opts.logLevel)),
		service: service,
	}
}

// New keeps the parent's level unless the options name another one.
func (g *GoCoreLogger) New(service string, options ...Option) Logger {
	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}

	level := g.Logger.GetLogLevel()
	if opts.logLevel != DefaultOptions().logLevel {
		level = gocore.NewLogLevelFromString(opts.logLevel)
	}

	return &GoCoreLogger{Logger: gocore.Log(service, level), service: service}
}

func (g *GoCoreLogger) Duplicate(options ...Option) Logger {
	return g.New(g.service, options...)
}

func (g *GoCoreLogger) SetLogLevel(string) {}
