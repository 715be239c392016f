// Package daemon owns process lifecycle: the PID-file lock, signal-
// driven shutdown, and the orderly teardown sequence (stop accepting,
// best-effort tape unmount, unlink PID and socket files). Request
// handlers already in flight are not canceled; each runs until it
// finishes or its connection reaches the 30-second deadline.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	godaemon "github.com/sevlyar/go-daemon"

	"github.com/tapearchived/tapearchived/internal/library"
	"github.com/tapearchived/tapearchived/internal/logx"
)

// ErrAlreadyRunning is returned by Lock when another instance holds
// the PID file.
var ErrAlreadyRunning = fmt.Errorf("daemon: another instance is already running")

// Lifecycle owns the PID-file lock and the shared shutdown context.
type Lifecycle struct {
	pidPath string
	lock    *godaemon.LockFile
	cancel  context.CancelFunc
}

// Lock acquires the PID file at pidPath, refusing to start if another
// instance already holds it.
func Lock(pidPath string) (*Lifecycle, error) {
	lock, err := godaemon.CreatePidFile(pidPath, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}
	return &Lifecycle{pidPath: pidPath, lock: lock}, nil
}

// Context returns a context canceled when SIGINT or SIGTERM arrives,
// and that context's cancel function. The signal registration stays in
// place for the life of the process.
func (l *Lifecycle) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Infof(nil, "received %v, shutting down", sig)
		cancel()
	}()

	return ctx, cancel
}

// Shutdown best-effort unmounts the tape (if lib is non-nil) and
// releases the PID lock.
func (l *Lifecycle) Shutdown(lib *library.Library) {
	if lib != nil {
		if err := lib.EnsureTapeUnmounted(context.Background(), nil, nil); err != nil {
			logx.Errorf(nil, "shutdown: best-effort unmount failed: %v", err)
		}
	}
	if err := l.lock.Remove(); err != nil {
		logx.Errorf(nil, "shutdown: failed to remove pid file: %v", err)
	}
}
