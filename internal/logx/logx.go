// Package logx is the daemon's leveled logging facade.
//
// Call shape follows the fs.Debugf(obj, format, args...) convention:
// the first argument identifies the thing the message is about (a
// folder, a tape, a queue item) via fmt.Stringer, so log lines read as
// "<subject>: <message>" without every call site building that prefix
// by hand.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Subject is anything that can be named in a log line. Folders, tape
// labels, and queue items all implement it trivially.
type Subject interface {
	String() string
}

type stringSubject string

func (s stringSubject) String() string { return string(s) }

// Of wraps a plain string as a Subject.
func Of(s string) Subject { return stringSubject(s) }

var (
	mu  sync.Mutex
	log = logrus.New()
)

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	// A daemon usually logs to a rotating file, but an operator running
	// it in the foreground for debugging still gets colored levels on
	// a real terminal.
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
		log.SetOutput(colorable.NewColorable(os.Stderr))
	}
}

// SetLevel adjusts the global verbosity; "debug" enables Debugf output.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// SetOutput redirects where log lines land; UseRotatingFile installs a
// size/backup-count rotating writer on top of this.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

func line(subject Subject, format string, a ...any) string {
	msg := fmt.Sprintf(format, a...)
	if subject == nil {
		return msg
	}
	return subject.String() + ": " + msg
}

// Debugf logs at debug level, about subject.
func Debugf(subject Subject, format string, a ...any) {
	log.Debug(line(subject, format, a...))
}

// Infof logs at info level, about subject.
func Infof(subject Subject, format string, a ...any) {
	log.Info(line(subject, format, a...))
}

// Errorf logs at error level, about subject.
func Errorf(subject Subject, format string, a ...any) {
	log.Error(line(subject, format, a...))
}

// Fatalf logs at fatal level, about subject, then exits the process
// with status 1. Reserved for startup failures (bad config, PID lock
// already held).
func Fatalf(subject Subject, format string, a ...any) {
	log.Fatal(line(subject, format, a...))
}

// Logger returns the shared *logrus.Logger for callers (e.g. the
// metrics HTTP server) that want to pass a standard logging interface
// through to a third-party component instead of calling Debugf/Infof
// directly.
func Logger() *logrus.Logger {
	return log
}

// rotatingFile is a size- and backup-count-bounded append-only writer,
// the Go equivalent of logging.handlers.RotatingFileHandler. No
// rotation library ships anywhere in this module's dependency set, so
// this one piece is implemented directly over os.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	backups    int
	f          *os.File
	written    int64
}

// UseRotatingFile configures the shared logger to write to path,
// rotating to path.1, path.2, ... up to backups old copies once the
// current file exceeds maxBytes.
func UseRotatingFile(path string, maxBytes int64, backups int) error {
	rf := &rotatingFile{path: path, maxBytes: maxBytes, backups: backups}
	if err := rf.open(); err != nil {
		return err
	}
	SetOutput(rf)
	return nil
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f = f
	r.written = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	for i := r.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		dst := fmt.Sprintf("%s.%d", r.path, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if r.backups > 0 {
		os.Rename(r.path, r.path+".1")
	}
	return r.open()
}
