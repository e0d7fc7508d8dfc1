package agent

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// stderrRingLines bounds the retained stderr tail used for error context.
const stderrRingLines = 100

// procHandle supervises one spawned CLI subprocess: pipes, stderr tail,
// and exit status. The subprocess runs in its own process group so stop
// signals reach helpers it forked.
type procHandle struct {
	cmd    cmdWaiter
	pid    int
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done chan struct{}

	mu       sync.Mutex
	exitCode int
	signal   string
	stderr   []string

	stopOnce sync.Once
	log      *logger.Logger
}

// cmdWaiter is the slice of *exec.Cmd the handle needs.
type cmdWaiter interface {
	Wait() error
}

func newProcHandle(cmd cmdWaiter, pid int, stdin io.WriteCloser, stdout io.ReadCloser, stderr io.ReadCloser, log *logger.Logger) *procHandle {
	h := &procHandle{
		cmd:    cmd,
		pid:    pid,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
		log:    log,
	}
	if stderr != nil {
		go h.readStderr(stderr)
	}
	go h.wait()
	return h
}

// readStderr drains stderr into a bounded line ring.
func (h *procHandle) readStderr(r io.ReadCloser) {
	defer func() { _ = r.Close() }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.mu.Lock()
		h.stderr = append(h.stderr, line)
		if len(h.stderr) > stderrRingLines {
			h.stderr = h.stderr[len(h.stderr)-stderrRingLines:]
		}
		h.mu.Unlock()
		h.log.Debug("agent stderr", zap.String("line", line))
	}
}

// wait is the sole authority for exit status.
func (h *procHandle) wait() {
	err := h.cmd.Wait()
	exitCode := 0
	signal := ""
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if waitStatus.Signaled() {
					signal = waitStatus.Signal().String()
					exitCode = 128 + int(waitStatus.Signal())
				} else {
					exitCode = waitStatus.ExitStatus()
				}
			}
		}
	}

	h.mu.Lock()
	h.exitCode = exitCode
	h.signal = signal
	h.mu.Unlock()
	close(h.done)
}

// exited reports completion without blocking.
func (h *procHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// exitStatus returns the recorded code and signal; valid after done.
func (h *procHandle) exitStatus() (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.signal
}

// recentStderr returns the retained stderr tail.
func (h *procHandle) recentStderr() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.stderr))
	copy(out, h.stderr)
	return out
}

// stop escalates: close stdin, SIGTERM to the group, grace, SIGKILL.
func (h *procHandle) stop(grace time.Duration) {
	h.stopOnce.Do(func() {
		if h.exited() {
			return
		}
		if h.stdin != nil {
			_ = h.stdin.Close()
		}
		_ = syscall.Kill(-h.pid, syscall.SIGTERM)
		select {
		case <-h.done:
			return
		case <-time.After(grace):
		}
		_ = syscall.Kill(-h.pid, syscall.SIGKILL)
		<-h.done
	})
}

// kill sends SIGKILL to the group immediately and waits for exit.
func (h *procHandle) kill() {
	h.stopOnce.Do(func() {
		if h.exited() {
			return
		}
		_ = syscall.Kill(-h.pid, syscall.SIGKILL)
		<-h.done
	})
}
