package mocks

import (
	"strings"
	"time"

	"github.com/kairos-io/kairos-disk/types"
)

// FakeRunner records every command it is asked to run and answers with the results
// registered for the full command line. Unknown commands succeed with empty output.
type FakeRunner struct {
	Results  map[string][]FakeResult
	Commands [][]string
	Options  []types.RunOptions
	// SideEffect, if set, is called for every command and wins over the registered results
	SideEffect func(command string, args ...string) (string, string, error)
}

type FakeResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Error    error
	// Sticky results are returned forever instead of being consumed
	Sticky bool
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Results: map[string][]FakeResult{}}
}

// AddResult queues a result for the given full command line, e.g. "fuser /dev/fake"
func (r *FakeRunner) AddResult(fullCmd string, result FakeResult) {
	r.Results[fullCmd] = append(r.Results[fullCmd], result)
}

func (r *FakeRunner) Run(command string, args []string, opts ...types.RunOption) (string, string, error) {
	cmd := append([]string{command}, args...)
	r.Commands = append(r.Commands, cmd)
	options := types.NewRunOptions(opts...)
	r.Options = append(r.Options, options)

	if r.SideEffect != nil {
		return r.SideEffect(command, args...)
	}

	fullCmd := strings.Join(cmd, " ")
	results, ok := r.Results[fullCmd]
	if !ok || len(results) == 0 {
		return "", "", nil
	}
	result := results[0]
	if !result.Sticky {
		r.Results[fullCmd] = results[1:]
	}
	if result.Error != nil {
		return result.Stdout, result.Stderr, result.Error
	}
	if !options.ExitCodeAllowed(result.ExitCode) {
		return result.Stdout, result.Stderr, types.NewExecError(command, args, result.Stdout, result.Stderr, result.ExitCode, nil)
	}
	return result.Stdout, result.Stderr, nil
}

// CmdsMatch checks the recorded commands start with the given prefixes, in order
func (r *FakeRunner) CmdsMatch(cmdList [][]string) bool {
	if len(cmdList) != len(r.Commands) {
		return false
	}
	for i, cmd := range cmdList {
		if len(cmd) > len(r.Commands[i]) {
			return false
		}
		for j, arg := range cmd {
			if r.Commands[i][j] != arg {
				return false
			}
		}
	}
	return true
}

// CountCmd returns how many times a command with the given name was run
func (r *FakeRunner) CountCmd(name string) int {
	n := 0
	for _, c := range r.Commands {
		if len(c) > 0 && c[0] == name {
			n++
		}
	}
	return n
}

// ClearCmds forgets the recorded commands
func (r *FakeRunner) ClearCmds() {
	r.Commands = [][]string{}
	r.Options = []types.RunOptions{}
}

// FakeSleeper records the requested sleeps instead of blocking
type FakeSleeper struct {
	Calls []time.Duration
}

func (s *FakeSleeper) Sleep(d time.Duration) {
	s.Calls = append(s.Calls, d)
}

func (s *FakeSleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Calls {
		total += d
	}
	return total
}
