package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// call records one executed command for later assertions.
type call struct {
	cmd   []string
	stdin string
}

func (c call) line() string { return strings.Join(c.cmd, " ") }

// scriptRunner matches commands against substring rules and returns the
// scripted response; unmatched commands succeed with empty output.
type scriptRunner struct {
	t     *testing.T
	rules []scriptRule
	calls []call
}

type scriptRule struct {
	match  string
	stdout string
	stderr string
	fail   bool
	// times limits how often the rule fires; 0 means unlimited.
	times int
	fired int
}

func newScriptRunner(t *testing.T) *scriptRunner {
	return &scriptRunner{t: t}
}

func (r *scriptRunner) on(match string) *scriptRule {
	r.rules = append(r.rules, scriptRule{match: match})
	return &r.rules[len(r.rules)-1]
}

func (rule *scriptRule) respond(stdout string) *scriptRule {
	rule.stdout = stdout
	return rule
}

func (rule *scriptRule) failWith(stderr string) *scriptRule {
	rule.fail = true
	rule.stderr = stderr
	return rule
}

func (rule *scriptRule) once() *scriptRule {
	rule.times = 1
	return rule
}

func (r *scriptRunner) run(ctx context.Context, opts cmdutil.ExecOptions, cmd []string) (*cmdutil.Result, error) {
	r.calls = append(r.calls, call{cmd: cmd, stdin: string(opts.Stdin)})
	line := strings.Join(cmd, " ")

	for i := range r.rules {
		rule := &r.rules[i]
		if !strings.Contains(line, rule.match) {
			continue
		}
		if rule.times > 0 && rule.fired >= rule.times {
			continue
		}
		rule.fired++

		result := &cmdutil.Result{Stdout: []byte(rule.stdout), Stderr: []byte(rule.stderr)}
		if rule.fail {
			result.ExitCode = 1
			return result, fmt.Errorf("command failed: exit status 1")
		}
		return result, nil
	}

	return &cmdutil.Result{}, nil
}

func (r *scriptRunner) callsMatching(substr string) []call {
	var matched []call
	for _, c := range r.calls {
		if strings.Contains(c.line(), substr) {
			matched = append(matched, c)
		}
	}
	return matched
}
