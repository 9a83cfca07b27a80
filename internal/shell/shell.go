// Package shell runs external commands with a per-call timeout and turns
// every failure into a typed error.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner runs name with args inside dir and returns combined stdout+stderr.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Output []byte
}

func (e *ExitError) Error() string {
	tail := Tail(e.Output, 20)
	if tail == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, tail)
}

// Exec runs real processes.
type Exec struct {
	// Timeout bounds a single command; zero means only ctx applies.
	Timeout time.Duration
	// Env is appended to the parent environment.
	Env []string
	Log *zap.Logger
}

func (e *Exec) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmdline := CommandLine(name, args...)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	killGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	if e.Log != nil {
		e.Log.Debug("command finished",
			zap.String("cmd", cmdline),
			zap.String("dir", dir),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
		)
	}
	if err == nil {
		return out.Bytes(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", cmdline, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), &ExitError{Cmd: cmdline, Code: exitErr.ExitCode(), Output: out.Bytes()}
	}
	return out.Bytes(), fmt.Errorf("%s: %w", cmdline, err)
}

func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Tail returns the last n non-empty lines of out joined by " | ".
func Tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var kept []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, " | ")
}
