package types

import (
	"fmt"
	"strings"
)

// Runner executes external commands. Privilege escalation, retries and exit code
// checking are concerns of the runner so callers only describe what they expect.
type Runner interface {
	Run(command string, args []string, opts ...RunOption) (stdout string, stderr string, err error)
}

// RunOptions describes how a command has to be executed
type RunOptions struct {
	// RunAsRoot prefixes the command with the configured root helper when not already root
	RunAsRoot bool
	// ExitCodes lists the accepted exit codes, defaults to 0 only
	ExitCodes []int
	// Attempts is the number of times the command is tried before failing
	Attempts int
	// DelayOnRetry waits a random delay between attempts
	DelayOnRetry bool
	// StandardLocale forces LC_ALL=C so the output can be parsed
	StandardLocale bool
}

type RunOption func(o *RunOptions)

func AsRoot() RunOption {
	return func(o *RunOptions) { o.RunAsRoot = true }
}

func WithExitCodes(codes ...int) RunOption {
	return func(o *RunOptions) { o.ExitCodes = codes }
}

func WithAttempts(attempts int, delayOnRetry bool) RunOption {
	return func(o *RunOptions) {
		o.Attempts = attempts
		o.DelayOnRetry = delayOnRetry
	}
}

func WithStandardLocale() RunOption {
	return func(o *RunOptions) { o.StandardLocale = true }
}

// NewRunOptions applies the given options over the defaults
func NewRunOptions(opts ...RunOption) RunOptions {
	o := RunOptions{ExitCodes: []int{0}, Attempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if len(o.ExitCodes) == 0 {
		o.ExitCodes = []int{0}
	}
	return o
}

func (o RunOptions) ExitCodeAllowed(code int) bool {
	for _, c := range o.ExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// ExecError is returned by a Runner when a command exits with an unexpected code
// or can not be started at all (ExitCode -1).
type ExecError struct {
	Cmd      string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func NewExecError(command string, args []string, stdout, stderr string, exitCode int, err error) *ExecError {
	return &ExecError{
		Cmd:      strings.TrimSpace(strings.Join(append([]string{command}, args...), " ")),
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Err:      err,
	}
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("unexpected error while running command %q: exit code %d", e.Cmd, e.ExitCode)
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: stderr: %s", msg, strings.TrimSpace(e.Stderr))
	}
	if e.ExitCode < 0 && e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
