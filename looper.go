package binder

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long a Looper's poll waits before re-checking
// its stop channel. Short enough that Stop returns promptly, long enough
// that an idle looper isn't spinning.
const pollTimeoutMs = 250

// Looper owns a dedicated OS thread running the Driver's read loop:
// BC_ENTER_LOOPER, then poll-and-drain until stopped, then BC_EXIT_LOOPER.
// Grounded on the teacher's per-queue Runner.ioLoop in
// internal/queue/runner.go, which pins its goroutine the same way for the
// same reason (the kernel associates in-flight commands with the calling
// thread).
type Looper struct {
	ipc    *Ipc
	id     int
	stopCh chan struct{}
	done   chan struct{}
}

func newLooper(ipc *Ipc, id int) *Looper {
	return &Looper{
		ipc:    ipc,
		id:     id,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *Looper) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	if err := l.ipc.driver.EnterLooper(); err != nil {
		l.ipc.logger.Error("BC_ENTER_LOOPER failed", "looper", l.id, "error", err)
		return
	}
	l.ipc.logger.Debug("looper entered", "looper", l.id)

	fd := l.ipc.driver.FD()
	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		select {
		case <-l.stopCh:
			_ = l.ipc.driver.ExitLooper()
			l.ipc.logger.Debug("looper exited", "looper", l.id)
			return
		default:
		}

		n, err := unix.Poll(pollFds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.ipc.logger.Error("looper poll failed", "looper", l.id, "error", err)
			l.ipc.observer.ObserveLooperBlocked()
			continue
		}
		if n == 0 {
			continue
		}
		if pollFds[0].Revents&unix.POLLIN != 0 {
			if err := l.ipc.driver.Poll(l); err != nil {
				l.ipc.logger.Error("looper read failed", "looper", l.id, "error", err)
			}
		}
	}
}

// stop signals the looper to exit and waits for its thread to return.
func (l *Looper) stop() error {
	l.signalExit()
	<-l.done
	return nil
}

// exit signals the looper to exit without waiting for it, used by
// Ipc.looperUnblocked to retire a surplus looper from the calling
// goroutine's own stack — which is l's own run loop, still unwinding
// from the Poll call that led here, so waiting on l.done would deadlock.
func (l *Looper) exit() {
	l.signalExit()
}

func (l *Looper) signalExit() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

var _ Handler = (*Looper)(nil)

// HandleTransaction implements Handler: req was observed by this
// Looper's own poll loop, so dispatchTransaction can run it — and any
// Block escalation it triggers — directly on this Looper's thread.
func (l *Looper) HandleTransaction(req *RemoteRequest) {
	l.ipc.dispatchTransaction(l, req)
}

func (l *Looper) HandleDeadBinder(cookie uint64) { l.ipc.HandleDeadBinder(cookie) }
func (l *Looper) HandleSpawnLooper()             { l.ipc.HandleSpawnLooper() }
func (l *Looper) HandleIncrefs(ptr uintptr, cookie uint64) { l.ipc.HandleIncrefs(ptr, cookie) }
func (l *Looper) HandleAcquire(ptr uintptr, cookie uint64) { l.ipc.HandleAcquire(ptr, cookie) }
func (l *Looper) HandleRelease(ptr uintptr, cookie uint64) { l.ipc.HandleRelease(ptr, cookie) }
func (l *Looper) HandleDecrefs(ptr uintptr, cookie uint64) { l.ipc.HandleDecrefs(ptr, cookie) }
