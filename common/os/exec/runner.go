package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultKillTimeout is how long a cancelled command gets between SIGTERM and SIGKILL.
const DefaultKillTimeout = 5 * time.Second

// RunResult is the outcome of RunCommand: captured output, the exit code when the
// process exited on its own, and any error from Start, Wait or cancellation.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Error    error
}

func (rr RunResult) String() string {
	return fmt.Sprintf("Error:%v, ExitCode:%d, Stdout:%s, Stderr:%s", rr.Error, rr.ExitCode, rr.Stdout, rr.Stderr)
}

// TruncateCmd renders a command line with the program reduced to its base name, for logs.
func TruncateCmd(args []string) string {
	args = append([]string(nil), args...)
	if len(args) > 0 {
		args[0] = filepath.Base(args[0])
	}
	return strings.Join(args, " ")
}

// RunCommand starts cmd, feeds it stdin (may be nil), and waits for it to exit or
// for ctx to be done. Output is captured and, when streamLog is non-nil, also
// streamed there as it arrives. On cancellation the process group gets SIGTERM and,
// after killTimeout, SIGKILL; the result then carries ctx.Err().
func RunCommand(ctx context.Context, cmd Cmd, stdin io.Reader, streamLog io.Writer, killTimeout time.Duration) RunResult {
	rr := RunResult{ExitCode: -1}

	var outBuf, errBuf bytes.Buffer
	var outW, errW io.Writer = &outBuf, &errBuf
	if streamLog != nil {
		syncLog := &syncWriter{w: streamLog}
		outW = io.MultiWriter(&outBuf, syncLog)
		errW = io.MultiWriter(&errBuf, syncLog)
	}
	cmd.SetStdout(outW)
	cmd.SetStderr(errW)
	if stdin != nil {
		cmd.SetStdin(stdin)
	}
	cmd.SetSession(true)

	log.Debugf("Running Command: %s", TruncateCmd(cmd.Args()))
	if err := cmd.Start(); err != nil {
		rr.Error = err
		return rr
	}

	doneCh := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		rr.Error = waitErr
	case <-ctx.Done():
		log.Infof("Context done (%v), terminating command %s", ctx.Err(), TruncateCmd(cmd.Args()))
		if killTimeout <= 0 {
			killTimeout = DefaultKillTimeout
		}
		termThenKill(cmd.Process(), killTimeout, doneCh)
		<-doneCh
		rr.Error = ctx.Err()
	}

	switch e := rr.Error.(type) {
	case nil:
		rr.ExitCode = 0
	case ExitError:
		rr.ExitCode = e.ExitStatus()
	}
	rr.Stdout = outBuf.Bytes()
	rr.Stderr = errBuf.Bytes()
	return rr
}

// termThenKill will SIGTERM a process group, then SIGKILL it if it hasn't exited after duration d.
// waitDoneCh must be closed by the caller when the process exits (to avoid double Wait()ing)
func termThenKill(p *os.Process, d time.Duration, waitDoneCh <-chan struct{}) {
	if p == nil {
		return
	}
	if err := signalGroup(p, syscall.SIGTERM); err != nil {
		log.Errorf("Failed to send SIGTERM to process %d: %s", p.Pid, err)
	}
	select {
	case <-waitDoneCh:
	case <-time.After(d):
		log.Infof("Process %d hasn't exited, sending SIGKILL", p.Pid)
		if err := signalGroup(p, syscall.SIGKILL); err != nil {
			log.Errorf("Failed to kill process %d: %s", p.Pid, err)
		}
	}
}

// signalGroup signals the session started by SetSession, falling back to the process alone.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}

// syncWriter is an io.Writer wrapper around another io.Writer that supports safe concurrent Writes.
// RunCommand needs to use this to safely write both stdout and stderr to streamLog.
type syncWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (b *syncWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Write(p)
}
