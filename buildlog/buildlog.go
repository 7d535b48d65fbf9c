// Package buildlog is the logging backend every package's own log.go
// wires into: a rotating log file plus stdout, split by subsystem
// tag.
package buildlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// LogWriter multiplexes to stdout and, once initialized, to a
// rotating log file. A nil RotatorPipe is fine: it just means logs
// only reach stdout, which is what every subsystem logger sees before
// InitLogRotator runs.
type LogWriter struct {
	RotatorPipe *io.PipeWriter
}

func (w *LogWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if w.RotatorPipe == nil {
		return len(p), nil
	}
	return w.RotatorPipe.Write(p)
}

// NewSubLogger builds the logger one subsystem should use. genLogger
// is nil before the root backend exists, in which case callers get a
// disabled logger rather than a nil pointer.
func NewSubLogger(subsystem string, genLogger func(string) btclog.Logger) btclog.Logger {
	if genLogger == nil {
		return btclog.Disabled
	}
	return genLogger(subsystem)
}

// Root is the process-wide logging backend: one rotating file plus
// stdout, and the registry of every subsystem logger pulled from it
// so log levels can be changed at runtime by tag.
type Root struct {
	writer  *LogWriter
	backend *btclog.Backend
	rotator *rotator.Rotator

	subsystems map[string]btclog.Logger
}

// NewRoot creates the backend without a file rotator attached; safe
// to create loggers from immediately, with output going only to
// stdout until InitLogRotator runs.
func NewRoot() *Root {
	w := &LogWriter{}
	return &Root{
		writer:     w,
		backend:    btclog.NewBackend(w),
		subsystems: make(map[string]btclog.Logger),
	}
}

// InitLogRotator points Root's writer at a rotating log file. Output
// reaches disk only from this call on; since every subsystem logger
// writes through the same shared writer, loggers created before this
// call write to the file as well from then on.
func (r *Root) InitLogRotator(logFile string, maxLogFileSizeMB int64, maxLogFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}
	// rotator.New takes its threshold in KB.
	rot, err := rotator.New(logFile, maxLogFileSizeMB*1024, false, maxLogFiles)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go rot.Run(pr)

	r.writer.RotatorPipe = pw
	r.rotator = rot
	return nil
}

// GenSubLogger satisfies the genLogger signature NewSubLogger expects
// and registers the resulting logger under subsystem for later level
// changes.
func (r *Root) GenSubLogger(subsystem string) btclog.Logger {
	logger := r.backend.Logger(subsystem)
	r.subsystems[subsystem] = logger
	return logger
}

// SetLogLevel changes the level of one already-registered subsystem.
// Unknown subsystems are ignored; invalid level strings default to
// info, matching btclog.LevelFromString's own fallback behavior.
func (r *Root) SetLogLevel(subsystem, levelStr string) {
	logger, ok := r.subsystems[subsystem]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(levelStr)
	logger.SetLevel(level)
}

// SetLogLevels applies levelStr to every registered subsystem.
func (r *Root) SetLogLevels(levelStr string) {
	for subsystem := range r.subsystems {
		r.SetLogLevel(subsystem, levelStr)
	}
}

// Close flushes and closes the underlying file rotator, if one was
// ever initialized.
func (r *Root) Close() error {
	if r.rotator == nil {
		return nil
	}
	return r.rotator.Close()
}

// logClosure defers an expensive log-message computation until the
// logging system actually decides to print it.
type logClosure func() string

func (c logClosure) String() string { return c() }

// NewLogClosure wraps fn so it is only invoked if the log level
// actually calls Stringer on it.
func NewLogClosure(fn func() string) fmt.Stringer {
	return logClosure(fn)
}
