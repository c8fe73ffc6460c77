// Package logger implements the github.com/go-logr/logr interfaces on
// top of zerolog (github.com/rs/zerolog).
package logger

import (
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02 15:04:05.000"

// Verbosity levels. V(0) maps to info, V(1) to debug and V(2) and
// above to trace.
const (
	defaultVLevel = 0
	debugVLevel   = 1
	traceVLevel   = 2
)

var globalV = int32(defaultVLevel)

// GlobalConfig holds logging options shared by every logger created
// with New. Hosts load it from their config file.
type GlobalConfig struct {
	V int `mapstructure:"v"`
}

// SetGlobalOptions sets the global verbosity gate. Loggers created
// without an explicit level follow it.
func SetGlobalOptions(config GlobalConfig) {
	v := config.V
	if v < defaultVLevel {
		v = defaultVLevel
	}
	atomic.StoreInt32(&globalV, int32(v))
}

// Options that can be passed to NewWithOptions.
type Options struct {
	// Name is an optional name of the logger.
	Name string
	// Level caps the verbosity of this logger independently of the
	// global gate: "info", "debug" or "trace". Empty means follow the
	// global verbosity.
	Level string
	// Logger is an instance of zerolog, if nil a console logger on
	// stdout is used.
	Logger *zerolog.Logger
}

// New returns a logr.Logger which is implemented by zerolog.
func New() logr.Logger {
	return NewWithOptions(Options{})
}

// NewWithOptions returns a logr.Logger which is implemented by zerolog.
func NewWithOptions(opts Options) logr.Logger {
	if opts.Logger == nil {
		l := zerolog.New(consoleWriter()).With().Timestamp().Logger()
		opts.Logger = &l
	}
	maxV := -1
	if opts.Level != "" {
		maxV = vLevelByString(opts.Level)
	}
	return zlogger{
		l:      opts.Logger,
		prefix: opts.Name,
		maxV:   maxV,
	}
}

// zlogger is a logr.Logger that uses zerolog to log.
type zlogger struct {
	l      *zerolog.Logger
	prefix string
	values []interface{}
	v      int
	// maxV caps verbosity for this instance, -1 follows the global gate
	maxV int
}

func (z zlogger) gate() int {
	if z.maxV >= 0 {
		return z.maxV
	}
	return int(atomic.LoadInt32(&globalV))
}

func (z zlogger) Enabled() bool {
	return z.v <= z.gate()
}

func (z zlogger) Info(msg string, keysAndVals ...interface{}) {
	if !z.Enabled() {
		return
	}
	var e *zerolog.Event
	switch {
	case z.v >= traceVLevel:
		e = z.l.Trace()
	case z.v >= debugVLevel:
		e = z.l.Debug()
	default:
		e = z.l.Info()
	}
	if z.prefix != "" {
		e.Str("name", z.prefix)
	}
	add(e, z.values)
	add(e, keysAndVals)
	e.Msg(msg)
}

func (z zlogger) Error(err error, msg string, keysAndVals ...interface{}) {
	e := z.l.Error().Err(err)
	if z.prefix != "" {
		e.Str("name", z.prefix)
	}
	add(e, z.values)
	add(e, keysAndVals)
	e.Msg(msg)
}

func (z zlogger) V(level int) logr.Logger {
	new := z.clone()
	new.v += level
	return new
}

// WithName returns a new logr.Logger with the specified name appended.
// zerologr uses '/' characters to separate name elements. Callers
// should not pass '/' in the provided name string, but this library
// does not actually enforce that.
func (z zlogger) WithName(name string) logr.Logger {
	new := z.clone()
	if len(z.prefix) > 0 {
		new.prefix = z.prefix + "/"
	}
	new.prefix += name
	return new
}

func (z zlogger) WithValues(kvList ...interface{}) logr.Logger {
	new := z.clone()
	new.values = append(new.values, kvList...)
	return new
}
