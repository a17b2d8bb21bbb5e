package ulogger

import (
	"sync"
	"sync/atomic"
	"testing"
)

// VerboseTestLogger routes log lines to t.Logf so they show up with -v or on failure.
// Lines logged after the test has finished are dropped.
type VerboseTestLogger struct {
	t       testing.TB
	service string
	mutex   *sync.Mutex
	done    *atomic.Bool
}

func NewVerboseTestLogger(t testing.TB) *VerboseTestLogger {
	l := &VerboseTestLogger{
		t:     t,
		mutex: &sync.Mutex{},
		done:  &atomic.Bool{},
	}

	t.Cleanup(func() {
		l.done.Store(true)
	})

	return l
}

func (l *VerboseTestLogger) LogLevel() int {
	return 0
}

func (l *VerboseTestLogger) SetLogLevel(string) {}

func (l *VerboseTestLogger) New(service string, _ ...Option) Logger {
	return &VerboseTestLogger{t: l.t, service: service, mutex: l.mutex, done: l.done}
}

func (l *VerboseTestLogger) Duplicate(_ ...Option) Logger {
	return l
}

func (l *VerboseTestLogger) logf(level, format string, args ...interface{}) {
	if l.done.Load() {
		return
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.t.Logf("["+level+"] "+l.service+" | "+format, args...)
}

func (l *VerboseTestLogger) Debugf(format string, args ...interface{}) {
	l.logf("DEBUG", format, args...)
}

func (l *VerboseTestLogger) Infof(format string, args ...interface{}) {
	l.logf("INFO", format, args...)
}

func (l *VerboseTestLogger) Warnf(format string, args ...interface{}) {
	l.logf("WARN", format, args...)
}

func (l *VerboseTestLogger) Errorf(format string, args ...interface{}) {
	l.logf("ERROR", format, args...)
}

func (l *VerboseTestLogger) Fatalf(format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.t.Fatalf("[FATAL] "+l.service+" | "+format, args...)
}
