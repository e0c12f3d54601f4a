// Package process manages the lifecycle of one backend subprocess: spawn
// with pipes, graceful stop, hard kill, and guaranteed reaping.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Config describes the subprocess to spawn for one turn. StopTimeout is how
// long a context cancellation waits between SIGTERM and SIGKILL.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
	StopTimeout time.Duration
}

const defaultStopTimeout = 5 * time.Second

// Handle wraps a running subprocess. Wait must be called exactly once per
// Handle; Stop and Kill route through it so the child is always reaped.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// Start spawns the process with stdin/stdout/stderr pipes.
func Start(ctx context.Context, config Config) (*Handle, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	// Context cancellation terminates gracefully first; the kill comes after
	// the wait delay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = config.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultStopTimeout
	}
	if config.WorkingDir != "" {
		cmd.Dir = config.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range config.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &Handle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

func (h *Handle) Stdin() io.WriteCloser { return h.stdin }
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

// CloseStdin signals EOF to the child after the prompt has been written.
func (h *Handle) CloseStdin() {
	if h.stdin != nil {
		_ = h.stdin.Close()
	}
}

// Wait reaps the process. Safe to call from multiple paths; only the first
// call actually waits.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// ExitCode returns the child's exit code after Wait, or -1 if it was killed
// by a signal or has not exited.
func (h *Handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Stop terminates gracefully: SIGTERM, then SIGKILL after the timeout. The
// process is reaped before Stop returns even when termination is slow.
func (h *Handle) Stop(timeout time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}

	h.CloseStdin()

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already exited; still reap it.
		_ = h.Wait()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	select {
	case <-time.After(timeout):
		_ = h.cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

// Kill terminates immediately with SIGKILL and reaps.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	_ = h.Wait()
	return err
}
