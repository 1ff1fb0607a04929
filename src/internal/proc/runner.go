// Package proc runs external commands with a bounded timeout and captures
// their output line by line.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

// DefaultTimeout bounds every external command.
const DefaultTimeout = 60 * time.Second

// Command describes one external invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin io.Reader
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured output of a finished command.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   string
}

// Runner executes commands. Implementations return an error for non-zero exit
// codes, timeouts and cancellation; the Result is still filled when available.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: DefaultTimeout}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fwerrors.NewCancelledError(c.String(), err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Stdin = c.Stdin
	prepareCommand(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Running %s", c)
	err := cmd.Run()

	res := &Result{
		ExitCode: exitCode(cmd),
		Stdout:   splitLines(stdout.Bytes()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	switch {
	case err == nil:
		return res, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		log.Errorf("%s timed out after %v", c, timeout)
		return res, fwerrors.NewTimeoutError(c.String(), runCtx.Err())
	case ctx.Err() != nil:
		return res, fwerrors.NewCancelledError(c.String(), ctx.Err())
	default:
		cause := errors.Wrapf(err, "exit code %d", res.ExitCode)
		if res.Stderr != "" {
			cause = errors.Wrap(cause, res.Stderr)
		}
		return res, fwerrors.NewExternalToolError(c.String(), cause)
	}
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func splitLines(data []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
