package vefs

import goLog "log"

// Logger receives diagnostic messages from an Archive: tag mismatches,
// header fallbacks, purge decisions. Grounded on the teacher's
// misc.go Logger (Logf plus a package-level SetLogger override)
// generalized from a library-wide singleton to one override per
// package, since an archive has no per-instance state worth logging
// differently between two open archives in the same process.
type Logger interface {
	Logf(format string, a ...interface{})
}

type dummyLogger struct{}

func (dummyLogger) Logf(format string, a ...interface{}) {}

type stdlibLogger struct{}

func (stdlibLogger) Logf(format string, a ...interface{}) {
	goLog.Printf(format, a...)
}

var log Logger = dummyLogger{}

// EnableLogging routes Archive diagnostics to the standard log
// package. For more control use SetLogger directly.
func EnableLogging() {
	SetLogger(stdlibLogger{})
}

// SetLogger overrides where Archive diagnostics go; passing nil
// restores the default no-op logger.
func SetLogger(l Logger) {
	if l == nil {
		log = dummyLogger{}
		return
	}
	log = l
}
