package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/openweavr/weavr/pkg/schema"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10 * 1024 * 1024
)

// Command describes one process launch.
type Command struct {
	Name  string
	Args  []string
	Shell bool // run Name and Args joined through /bin/sh -c
	Env   map[string]string
	Dir   string
	Stdin string
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// Result is the captured outcome of a process. A non-zero exit is reported
// here, not as an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Killed   bool
}

// Runner executes commands under a Policy with a timeout and output cap.
type Runner struct {
	Policy    Policy
	Timeout   time.Duration
	MaxOutput int64
}

// Run starts cmd and waits for it. The process is killed when ctx is done or
// the timeout elapses. Errors are returned only when the process could not
// be started or the working directory is outside the policy.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "command is required")
	}
	if cmd.Dir != "" {
		if err := r.Policy.Check(cmd.Dir, Read); err != nil {
			return nil, err
		}
	}

	timeout := r.Timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var c *exec.Cmd
	if cmd.Shell {
		line := cmd.Name
		if len(cmd.Args) > 0 {
			line += " " + strings.Join(cmd.Args, " ")
		}
		c = exec.CommandContext(execCtx, "/bin/sh", "-c", line)
	} else {
		c = exec.CommandContext(execCtx, cmd.Name, cmd.Args...)
	}
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for k, v := range cmd.Env {
			c.Env = append(c.Env, k+"="+v)
		}
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	c.Cancel = func() error {
		return c.Process.Kill()
	}
	// Let pipes drain after a kill.
	c.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &limitedWriter{w: &stdout, limit: limit}
	c.Stderr = &limitedWriter{w: &stderr, limit: limit}

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "run %s: %v", cmd.Name, err).WithCause(err)
		}
		res.ExitCode = exitErr.ExitCode()
		res.Killed = errors.Is(execCtx.Err(), context.DeadlineExceeded) || ctx.Err() != nil
	}
	return res, nil
}

// limitedWriter discards bytes past limit but reports them as written so the
// child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
