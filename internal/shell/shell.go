// Package shell runs commands through sh -c.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

const maxStderr = 2048

// Runner executes a shell command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, command string, stdin io.Reader, env map[string]string) (string, error)
}

// Sh is the default Runner.
type Sh struct {
	// Dir is the working directory; empty means the current one.
	Dir string
}

func (s Sh) Run(ctx context.Context, command string, stdin io.Reader, env map[string]string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.Dir
	cmd.Stdin = stdin

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := tail(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("run %q: %w: %s", command, err, msg)
		}
		return stdout.String(), fmt.Errorf("run %q: %w", command, err)
	}
	return stdout.String(), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
