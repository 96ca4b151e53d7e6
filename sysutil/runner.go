// Package sysutil wraps the host tools the provisioner shells out to.
package sysutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command is one external tool invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
	// Env is appended to the current process environment.
	Env []string
	// Stdout and Stderr stream the tool output instead of capturing it.
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandRunner runs external tools.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Log *slog.Logger
}

// Run executes cmd and returns its combined output when not streaming. The
// returned error carries the tail of the output for diagnosis.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	}
	if cmd.Stderr != nil {
		c.Stderr = cmd.Stderr
	}

	if r.Log != nil {
		r.Log.Debug("Running command", slog.String("cmd", cmd.String()))
	}

	if err := c.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s: %w: %s", cmd.Name, err, tail(out.String(), 512))
	}
	return out.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
