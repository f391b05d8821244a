package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// stderrTailLimit bounds how much tool stderr is retained for diagnostics.
const stderrTailLimit = 4096

// Runner executes one external tool invocation on behalf of a stage.
// Implementations block until the tool exits or ctx is cancelled and
// return *ToolError for a non-zero exit. Content validation of outputs
// is the orchestrator's job, not the runner's.
type Runner interface {
	Run(ctx context.Context, stage string, cmd Command) error
}

// ExecRunner launches tools as child processes. Tool stdout goes to Stdout
// unless the command declares a redirect target, in which case it is written
// to a temp file and renamed into place only after a clean exit. Tool stderr
// is streamed to Stderr and its tail retained for error reporting.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer

	// GracePeriod is how long a cancelled tool gets between SIGTERM and
	// SIGKILL. Zero means 10 seconds.
	GracePeriod time.Duration
}

// NewExecRunner returns a runner wired to the process's own stdio.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run launches cmd and blocks until it exits. The whole process group is
// signalled on cancellation so tool-spawned children do not outlive the run.
func (r *ExecRunner) Run(ctx context.Context, stage string, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	c := exec.Command(cmd.Program, cmd.Args...)
	c.Env = os.Environ()
	for k, v := range cmd.ExtraEnv {
		c.Env = append(c.Env, k+"="+v)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cmd.Stdin != "" {
		in, err := os.Open(cmd.Stdin)
		if err != nil {
			return fmt.Errorf("stage %s: opening stdin %s: %w", stage, cmd.Stdin, err)
		}
		defer in.Close()
		c.Stdin = in
	}

	var tmpOut *os.File
	if cmd.Stdout != "" {
		var err error
		tmpOut, err = os.CreateTemp(filepath.Dir(cmd.Stdout), "."+filepath.Base(cmd.Stdout)+".tmp*")
		if err != nil {
			return fmt.Errorf("stage %s: creating temp output: %w", stage, err)
		}
		defer func() {
			if tmpOut != nil {
				tmpOut.Close()
				os.Remove(tmpOut.Name())
			}
		}()
		c.Stdout = tmpOut
	} else if r.Stdout != nil {
		c.Stdout = r.Stdout
	}

	tail := &tailWriter{limit: stderrTailLimit}
	if r.Stderr != nil {
		c.Stderr = io.MultiWriter(tail, r.Stderr)
	} else {
		c.Stderr = tail
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("stage %s: starting %s: %w", stage, cmd.Program, err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		// SIGTERM the process group first so tools can flush and clean
		// up; escalate to SIGKILL after the grace period.
		syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
		grace := r.GracePeriod
		if grace == 0 {
			grace = 10 * time.Second
		}
		select {
		case <-done:
		case <-time.After(grace):
			syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return fmt.Errorf("stage %s: cancelled: %w", stage, ctx.Err())
	case waitErr = <-done:
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &ToolError{Stage: stage, ExitCode: exitCode, StderrTail: tail.String()}
	}

	if tmpOut != nil {
		name := tmpOut.Name()
		if err := tmpOut.Close(); err != nil {
			return fmt.Errorf("stage %s: closing output: %w", stage, err)
		}
		if err := os.Chmod(name, 0o644); err != nil {
			tmpOut = nil
			os.Remove(name)
			return fmt.Errorf("stage %s: finishing output: %w", stage, err)
		}
		if err := os.Rename(name, cmd.Stdout); err != nil {
			tmpOut = nil
			os.Remove(name)
			return fmt.Errorf("stage %s: publishing output %s: %w", stage, cmd.Stdout, err)
		}
		tmpOut = nil
	}

	return nil
}

// tailWriter retains the last limit bytes written through it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
