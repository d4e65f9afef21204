// Package exec wraps os/exec behind interfaces so that remote shell and copy
// commands can be faked in tests, and provides a context-aware runner that
// captures output and terminates the process group on cancellation.
package exec

import (
	"io"
	"os"
	osexec "os/exec"
	"syscall"
)

type (
	// OsExec provides an interface around os/exec.Command to support injecting fake
	// exec functionality
	OsExec interface {
		// Command creates a Cmd for the program cmd with args. As with os/exec,
		// args must not include the program name itself.
		Command(cmd string, args ...string) Cmd
	}

	defaultOsExec struct{}

	// Cmd wraps the os/exec.Cmd struct with our own interface
	Cmd interface {
		// Args returns a copy of the full argument list, program name first.
		Args() []string

		// Start starts the command but does not wait for it to complete.
		Start() error

		// Wait waits for a started command to exit. A non-zero exit is
		// reported as an ExitError.
		Wait() error

		// SetSession puts the child in its own session so the whole process
		// group can be signalled. No-op where unsupported.
		SetSession(enable bool)

		SetStdin(io.Reader)
		SetStdout(io.Writer)
		SetStderr(io.Writer)

		// SetEnv replaces the child environment (os.Environ format). A nil
		// slice inherits the current process environment.
		SetEnv(env []string)

		SetDir(string)

		// String returns a human-readable description of c. It is intended only for debugging.
		String() string

		// Process returns the underlying os.Process once started, nil before.
		Process() *os.Process
	}

	// ExitError provides our own interface around process termination to allow for
	// mocking in tests.
	//
	//   err := NewOsExec().Command("false").Run()
	//   if exitErr, ok := err.(ExitError); ok {
	//     code := exitErr.ExitStatus()
	//   }
	ExitError interface {
		// ExitStatus returns the numerical exit status, -1 when the process was
		// killed by a signal.
		ExitStatus() int

		// Signaled returns true if the process died because of an untrapped signal
		Signaled() bool

		Error() string

		// Args contains the args from the Cmd that returned this error
		Args() []string
	}

	cmdAdapter struct {
		cmd *osexec.Cmd
	}

	exitErrorAdapter struct {
		err  *osexec.ExitError
		ws   syscall.WaitStatus
		args []string
	}
)

// implements assertions
var (
	_ ExitError = &exitErrorAdapter{}
	_ Cmd       = &cmdAdapter{}
)

// NewOsExec creates a default OsExec instance
func NewOsExec() OsExec {
	return &defaultOsExec{}
}

func (d *defaultOsExec) Command(cmd string, args ...string) Cmd {
	c := osexec.Command(cmd, args...)
	c.SysProcAttr = &syscall.SysProcAttr{}
	return &cmdAdapter{cmd: c}
}

func wrapExitError(cmd Cmd, err error) error {
	if err == nil {
		return nil
	}
	if ex, ok := err.(*osexec.ExitError); ok {
		if ws, ok := ex.Sys().(syscall.WaitStatus); ok {
			return &exitErrorAdapter{err: ex, ws: ws, args: cmd.Args()}
		}
	}
	return err
}

func (e *exitErrorAdapter) ExitStatus() int {
	if e.ws.Signaled() {
		return -1
	}
	return e.ws.ExitStatus()
}
func (e *exitErrorAdapter) Signaled() bool { return e.ws.Signaled() }
func (e *exitErrorAdapter) Error() string  { return e.err.Error() }
func (e *exitErrorAdapter) Args() []string { return e.args }

// SetSession enables setsid after fork so that termination reaches the child's
// own subprocesses too (ssh started through a wrapper script, for instance).
func (c *cmdAdapter) SetSession(enable bool) {
	if c.cmd.SysProcAttr != nil {
		c.cmd.SysProcAttr.Setsid = enable
	}
}

func (c *cmdAdapter) Start() error          { return c.cmd.Start() }
func (c *cmdAdapter) Wait() error           { return wrapExitError(c, c.cmd.Wait()) }
func (c *cmdAdapter) SetStdin(r io.Reader)  { c.cmd.Stdin = r }
func (c *cmdAdapter) SetStdout(w io.Writer) { c.cmd.Stdout = w }
func (c *cmdAdapter) SetStderr(w io.Writer) { c.cmd.Stderr = w }
func (c *cmdAdapter) SetEnv(env []string)   { c.cmd.Env = env }
func (c *cmdAdapter) SetDir(dir string)     { c.cmd.Dir = dir }
func (c *cmdAdapter) String() string        { return c.cmd.String() }
func (c *cmdAdapter) Process() *os.Process  { return c.cmd.Process }

func (c *cmdAdapter) Args() []string {
	// return a copy of the Args slice to prevent direct modification by the user
	return append([]string(nil), c.cmd.Args...)
}
