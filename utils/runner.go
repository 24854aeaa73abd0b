package utils

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/shlex"
	"github.com/kairos-io/kairos-disk/types"
)

// ExecRunner runs commands on the host with os/exec
type ExecRunner struct {
	Logger     types.KairosLogger
	rootHelper []string
}

var _ types.Runner = &ExecRunner{}

// NewExecRunner returns a runner that escalates with the given helper (e.g. "sudo -n")
// for commands that need root, unless we already are root.
func NewExecRunner(logger types.KairosLogger, rootHelper string) (*ExecRunner, error) {
	helper, err := shlex.Split(rootHelper)
	if err != nil {
		return nil, err
	}
	return &ExecRunner{Logger: logger, rootHelper: helper}, nil
}

func (r *ExecRunner) Run(command string, args []string, opts ...types.RunOption) (string, string, error) {
	o := types.NewRunOptions(opts...)
	name, argv := r.commandLine(o, command, args)

	var stdout, stderr string
	attempt := 0
	retryOpts := []retry.Option{
		retry.Attempts(uint(o.Attempts)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.Logger.Logger.Debug().Err(err).Str("cmd", command).Uint("attempt", n+1).Msg("Command failed, retrying")
		}),
	}
	if o.DelayOnRetry {
		retryOpts = append(retryOpts, retry.DelayType(retry.RandomDelay), retry.MaxJitter(2*time.Second))
	} else {
		retryOpts = append(retryOpts, retry.Delay(0), retry.DelayType(retry.FixedDelay))
	}

	err := retry.Do(func() error {
		attempt++
		var err error
		stdout, stderr, err = r.runOnce(o, name, argv)
		return err
	}, retryOpts...)
	if err != nil {
		r.Logger.Logger.Debug().Err(err).Str("cmd", command).Strs("args", args).Int("attempts", attempt).Msg("Command failed")
	}
	return stdout, stderr, err
}

func (r *ExecRunner) commandLine(o types.RunOptions, command string, args []string) (string, []string) {
	argv := append([]string{command}, args...)
	if o.StandardLocale {
		argv = append([]string{"env", "LC_ALL=C", "LANG=C"}, argv...)
	}
	if o.RunAsRoot && len(r.rootHelper) > 0 && os.Geteuid() != 0 {
		argv = append(append([]string{}, r.rootHelper...), argv...)
	}
	return argv[0], argv[1:]
}

func (r *ExecRunner) runOnce(o types.RunOptions, name string, args []string) (string, string, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	r.Logger.Logger.Trace().Str("cmd", name).Strs("args", args).Msg("Running command")
	err := cmd.Run()
	stdout, stderr := outBuf.String(), errBuf.String()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return stdout, stderr, types.NewExecError(name, args, stdout, stderr, -1, err)
		}
		code = exitErr.ExitCode()
	}
	if !o.ExitCodeAllowed(code) {
		return stdout, stderr, types.NewExecError(name, args, stdout, stderr, code, err)
	}
	return stdout, stderr, nil
}
