// Package ptysession supervises a single child process attached to a
// pseudo-terminal (C1). It owns the process's lifecycle — spawn, resize,
// write, graceful-then-forced kill — and nothing else; output capture and
// wait-state inference live in internal/outputlog and internal/waitstate.
package ptysession

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ExitInfo describes how a session's child process ended.
type ExitInfo struct {
	ExitCode int
	Signaled bool
	Err      error
}

// Session wraps one running child process and its PTY master.
type Session struct {
	ID      string
	Command string
	Args    []string

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	started  bool
	exited   bool
	exitInfo ExitInfo
	done     chan struct{}
}

// Spawn starts command with args in cwd with environment env, attaching it
// to a new PTY sized cols x rows. The returned Session owns the PTY master
// until Kill or natural exit; callers read PTY output via Reader.
func Spawn(id, command string, args []string, cwd string, env map[string]string, cols, rows int) (*Session, error) {
	binPath, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("look up command %q: %w", command, err)
	}

	cmd := exec.Command(binPath, args...)
	cmd.Dir = cwd
	cmd.Env = envSlice(env)
	cmd.WaitDelay = 5 * time.Second

	size := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start pty for session %s: %w", id, err)
	}

	sess := &Session{
		ID:      id,
		Command: command,
		Args:    args,
		cmd:     cmd,
		ptmx:    ptmx,
		started: true,
		done:    make(chan struct{}),
	}

	go sess.wait()

	return sess, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	info := ExitInfo{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			info.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				info.Signaled = true
			}
		} else {
			info.Err = err
		}
	}
	s.mu.Lock()
	s.exited = true
	s.exitInfo = info
	s.mu.Unlock()
	s.ptmx.Close()
	close(s.done)
}

// Reader returns the PTY master for reading the child's combined
// stdout/stderr stream. Safe to call once; the caller owns the read loop.
func (s *Session) Reader() *os.File {
	return s.ptmx
}

// Write sends bytes to the child's stdin via the PTY master.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return 0, fmt.Errorf("session %s: write after exit", s.ID)
	}
	return s.ptmx.Write(p)
}

// Resize updates the PTY window size, used when a monitoring client's
// viewport changes.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// PID returns the child process's PID, or 0 if it hasn't started.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Wait blocks until the child exits and returns how it ended. Safe to call
// from multiple goroutines; all callers observe the same ExitInfo.
func (s *Session) Wait() ExitInfo {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitInfo
}

// Done returns a channel that's closed once the child has exited, for
// callers that want to select on it alongside other events.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Kill sends SIGTERM, waits up to grace for the process to exit on its
// own, and sends SIGKILL if it hasn't (spec.md §4.1's two-stage shutdown).
func (s *Session) Kill(grace time.Duration) error {
	s.mu.Lock()
	proc := s.cmd.Process
	alreadyExited := s.exited
	s.mu.Unlock()

	if alreadyExited || proc == nil {
		return nil
	}

	if err := unix.Kill(proc.Pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return fmt.Errorf("signal SIGTERM to session %s: %w", s.ID, err)
	}

	select {
	case <-time.After(grace):
	case <-s.done:
		return nil
	}

	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return nil
	}

	// Escalate via unix.Kill rather than os.Process.Kill so a process that
	// ignored SIGTERM (e.g. it trapped the signal and is still cleaning up)
	// gets SIGKILL directly instead of os/exec's signal-then-Wait dance.
	if err := unix.Kill(proc.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill session %s: %w", s.ID, err)
	}
	return nil
}
