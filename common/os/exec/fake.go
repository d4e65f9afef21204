package exec

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

type (
	// Response is what a fake command prints and how it exits.
	Response struct {
		Stdout   string
		Stderr   string
		ExitCode int
		// StartErr makes Start fail, as when the program does not exist.
		StartErr error
	}

	// Expectation pairs a command, one regexp per argument (program name included),
	// with the Response to give when it runs.
	Expectation struct {
		ArgsRe   []string
		Response Response
	}

	// Handler answers a command from its args and stdin.
	Handler func(args []string, stdin string) Response

	// ValidatingExecer is an OsExec implementation that instead of running Commands,
	// validates each one against the next expected command and answers with that
	// expectation's Response. With a Handler instead of expectations it answers
	// every command through the handler, in any order.
	ValidatingExecer struct {
		t        *testing.T
		mu       sync.Mutex
		expected []Expectation
		handler  Handler
		idx      int
		calls    [][]string
		stdins   []string
	}

	validatingCmd struct {
		v      *ValidatingExecer
		args   []string
		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer
		doneCh chan error
	}

	fakeExitError struct {
		code int
		args []string
	}
)

var (
	_ Cmd       = &validatingCmd{}
	_ ExitError = &fakeExitError{}
)

// NewValidatingExecer returns a ValidatingExecer expecting exactly the given commands, in order.
func NewValidatingExecer(t *testing.T, expected ...Expectation) *ValidatingExecer {
	return &ValidatingExecer{t: t, expected: expected}
}

// NewHandlerExecer returns a ValidatingExecer answering every command with h.
func NewHandlerExecer(t *testing.T, h Handler) *ValidatingExecer {
	return &ValidatingExecer{t: t, handler: h}
}

// Expect is shorthand for an Expectation answering with stdout and exit code 0.
func Expect(stdout string, argsRe ...string) Expectation {
	return Expectation{ArgsRe: argsRe, Response: Response{Stdout: stdout}}
}

func (v *ValidatingExecer) Command(cmd string, args ...string) Cmd {
	return &validatingCmd{v: v, args: append([]string{cmd}, args...), doneCh: make(chan error, 1)}
}

// Calls returns every command run so far.
func (v *ValidatingExecer) Calls() [][]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][]string(nil), v.calls...)
}

// Stdins returns what each command read from stdin, in call order.
func (v *ValidatingExecer) Stdins() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.stdins...)
}

// CheckAllValidated fails the test if expected commands were never run.
// Tests can `defer v.CheckAllValidated()`.
func (v *ValidatingExecer) CheckAllValidated() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handler == nil && v.idx != len(v.expected) {
		v.t.Fatalf("Number of expected commands: %d did not match validated command count: %d",
			len(v.expected), v.idx)
	}
}

func (v *ValidatingExecer) respond(args []string, stdin string) (Response, error) {
	v.mu.Lock()
	v.calls = append(v.calls, args)
	v.stdins = append(v.stdins, stdin)
	if v.handler != nil {
		v.mu.Unlock()
		return v.handler(args, stdin), nil
	}
	defer v.mu.Unlock()

	if v.idx >= len(v.expected) {
		return Response{}, fmt.Errorf("command validation failed: only expected %d commands, received extra command: %q",
			len(v.expected), args)
	}
	exp := v.expected[v.idx]
	v.idx++
	if err := matchArgs(exp.ArgsRe, args); err != nil {
		return Response{}, fmt.Errorf("command validation failed, cmd index %d: %v", v.idx-1, err)
	}
	return exp.Response, nil
}

func matchArgs(res []string, args []string) error {
	if len(res) != len(args) {
		return fmt.Errorf("expected %d args (%s), received %d args (%s)",
			len(res), strings.Join(res, " "), len(args), strings.Join(args, " "))
	}
	for i, re := range res {
		if !regexp.MustCompile(re).MatchString(args[i]) {
			return fmt.Errorf("arg %d: expected %s, received %q", i, re, args[i])
		}
	}
	return nil
}

func (c *validatingCmd) Start() error {
	var stdin string
	if c.stdin != nil {
		b, err := io.ReadAll(c.stdin)
		if err != nil {
			return err
		}
		stdin = string(b)
	}
	resp, err := c.v.respond(c.args, stdin)
	if err != nil {
		log.Error(err)
		c.v.t.Error(err)
		c.doneCh <- err
		return nil
	}
	if resp.StartErr != nil {
		return resp.StartErr
	}
	if c.stdout != nil {
		io.WriteString(c.stdout, resp.Stdout)
	}
	if c.stderr != nil {
		io.WriteString(c.stderr, resp.Stderr)
	}
	if resp.ExitCode != 0 {
		c.doneCh <- &fakeExitError{code: resp.ExitCode, args: c.args}
	} else {
		c.doneCh <- nil
	}
	return nil
}

func (c *validatingCmd) Wait() error    { return <-c.doneCh }
func (c *validatingCmd) Args() []string { return append([]string(nil), c.args...) }
func (c *validatingCmd) SetSession(bool)        {}
func (c *validatingCmd) SetStdin(r io.Reader)  { c.stdin = r }
func (c *validatingCmd) SetStdout(w io.Writer) { c.stdout = w }
func (c *validatingCmd) SetStderr(w io.Writer) { c.stderr = w }
func (c *validatingCmd) SetEnv([]string)        {}
func (c *validatingCmd) SetDir(string)          {}
func (c *validatingCmd) String() string       { return strings.Join(c.args, " ") }
func (c *validatingCmd) Process() *os.Process { return nil }

func (e *fakeExitError) ExitStatus() int { return e.code }
func (e *fakeExitError) Signaled() bool  { return false }
func (e *fakeExitError) Error() string   { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExitError) Args() []string  { return e.args }
