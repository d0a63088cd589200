// Package command runs external tools (git, gitleaks) and reports how they exited.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultWaitDelay bounds how long Run keeps reading output once the process
// was killed or has exited while a descendant still holds its stdout open.
const DefaultWaitDelay = 2 * time.Second

// Result is what a finished process left behind. Output holds stdout and
// stderr interleaved.
type Result struct {
	ExitCode int
	Output   []byte
}

// Runner starts name with args in dir and waits for it. A non-zero exit is
// not an error: callers decide which exit codes they accept. err is only set
// when the process could not be started or was killed by ctx.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// Exec runs processes with os/exec. Each process gets its own process group
// where the platform allows it, and cancelling ctx kills the whole group, so
// helpers such as git-remote-https die with it.
type Exec struct {
	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
}

var _ Runner = Exec{}

func (e Exec) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = DefaultWaitDelay
	if e.WaitDelay > 0 {
		cmd.WaitDelay = e.WaitDelay
	}
	killGroupOnCancel(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Output: out.Bytes()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	// the process exited but a leftover descendant kept the output pipe open
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("start %s: %w", name, err)
}

// Line renders a command for logs.
func Line(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
