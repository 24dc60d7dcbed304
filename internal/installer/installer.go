package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("installer")

// MaxOutputSize is the maximum size of captured script output
const MaxOutputSize = 1024 * 1024 // 1MB

// InvocationError means the privileged command could not be started at all.
type InvocationError struct {
	Command []string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("failed to run %s: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Result describes a completed invocation.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Invoker runs the install script through a privilege escalation wrapper
// such as pkexec.
type Invoker struct {
	tool   string
	script string
}

// New creates an Invoker that runs "<tool> <script> <file> <deps...>".
func New(tool, script string) *Invoker {
	return &Invoker{tool: tool, script: script}
}

// Command returns the argv used for filePath and deps.
func (i *Invoker) Command(filePath string, deps []string) []string {
	argv := make([]string, 0, 3+len(deps))
	argv = append(argv, i.tool, i.script, filePath)
	for _, d := range deps {
		if d = strings.TrimSpace(d); d != "" {
			argv = append(argv, d)
		}
	}
	return argv
}

// Install runs the script synchronously. Only a failure to start or wait
// for the process is an error; the script's exit status is recorded in
// Result and logged but otherwise not acted on.
func (i *Invoker) Install(ctx context.Context, filePath string, deps []string) (Result, error) {
	argv := i.Command(filePath, deps)
	start := time.Now()

	log.Info("starting install", "command", strings.Join(argv, " "))

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &limitedWriter{buf: &output, limit: MaxOutputSize}
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	res := Result{Output: output.String(), Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Info("install script finished", logging.KeyDurationMs, res.Duration.Milliseconds())
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		// TODO: surface non-zero exits once the install script documents its exit codes.
		res.ExitCode = exitErr.ExitCode()
		log.Warn("install script exited with non-zero status",
			"exitCode", res.ExitCode,
			"output", res.Output,
			logging.KeyDurationMs, res.Duration.Milliseconds(),
		)
	default:
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		res.ExitCode = -1
		log.Error("install invocation failed", logging.KeyError, err)
		return res, &InvocationError{Command: argv, Err: err}
	}

	return res, nil
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := w.limit - w.written; remaining <= 0 {
		return n, nil
	} else if len(p) > remaining {
		p = p[:remaining]
	}
	written, err := w.buf.Write(p)
	w.written += written
	return n, err
}
