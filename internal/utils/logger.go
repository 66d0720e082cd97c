package utils

// Logger is the interface used by the connection engine to emit structured, leveled log lines.
// Applications wire in their own sink (stdlib log, zap, whatever); DefaultLogger is a reasonable
// fallback for tests and examples.
type Logger interface {
	SetLogLevel(LogLevel)
	SetLogTimeFormat(format string)
	WithPrefix(prefix string) Logger
	Debug() bool

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type defaultLogger struct {
	prefix string
}

var _ Logger = &defaultLogger{}

// DefaultLogger writes to the stdlib log package, gated by QTRANSPORT_LOG_LEVEL.
var DefaultLogger Logger = &defaultLogger{}

func (l *defaultLogger) SetLogLevel(level LogLevel)         { SetLogLevel(level) }
func (l *defaultLogger) SetLogTimeFormat(format string)     { SetLogTimeFormat(format) }
func (l *defaultLogger) Debug() bool                        { return Debug() }
func (l *defaultLogger) Debugf(format string, args ...any)   { Debugf(l.prefix+format, args...) }
func (l *defaultLogger) Infof(format string, args ...any)    { Infof(l.prefix+format, args...) }
func (l *defaultLogger) Errorf(format string, args ...any)   { Errorf(l.prefix+format, args...) }

// WithPrefix returns a new Logger that prefixes every line, so each connection's log lines can be
// told apart when many share a process.
func (l *defaultLogger) WithPrefix(prefix string) Logger {
	if l.prefix != "" {
		prefix = l.prefix + " " + prefix
	}
	return &defaultLogger{prefix: prefix}
}
